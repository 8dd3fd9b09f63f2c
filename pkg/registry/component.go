// Copyright 2026 © The Fabrica Authors
// SPDX-License-Identifier: Apache-2.0
// Package registry owns versioned component records and the dual-embedding
// search over them. Components carry two texts: the raw definition (content)
// and a generated description of what the component is useful for
// (applicability). Both are embedded and fused at query time.
package registry

import (
	"time"
)

// Status is the lifecycle state of a component version.
type Status string

const (
	// StatusActive marks the single live version of a lineage.
	StatusActive Status = "active"

	// StatusDeprecated marks a superseded or retired version. History is
	// immutable once written; only the status field ever mutates.
	StatusDeprecated Status = "deprecated"
)

// Kind distinguishes agents from tools.
type Kind string

const (
	KindAgent Kind = "agent"
	KindTool  Kind = "tool"
)

// Strategy governs how applicability text and embeddings are derived when a
// component evolves.
type Strategy string

const (
	// StrategyConservative reuses the prior applicability text verbatim and
	// only recomputes the content embedding.
	StrategyConservative Strategy = "conservative"

	// StrategyStandard regenerates the applicability text from the new content.
	StrategyStandard Strategy = "standard"

	// StrategyAggressive regenerates both texts and all embeddings from scratch.
	StrategyAggressive Strategy = "aggressive"

	// StrategyDomainAdaptation regenerates the applicability text conditioned
	// on a caller-supplied target-domain descriptor.
	StrategyDomainAdaptation Strategy = "domain_adaptation"
)

// Component is one stored version of an agent or tool definition.
// ID is stable across versions; Version increases by exactly 1 per lineage
// step and ParentVersion is a weak back-reference, so the lineage graph is
// acyclic by construction.
type Component struct {
	ID            string    `json:"id"`
	Version       int       `json:"version"`
	ParentVersion int       `json:"parent_version,omitempty"`
	Status        Status    `json:"status"`
	Kind          Kind      `json:"kind"`
	Name          string    `json:"name"`

	// Content is the raw definition text (T_orig in upstream terminology).
	Content string `json:"content"`

	// Applicability is the generated use-case description (T_raz). Empty when
	// registration ran in degraded, content-only mode.
	Applicability string `json:"applicability,omitempty"`

	ContentVector       []float32 `json:"-"`
	ApplicabilityVector []float32 `json:"-"`

	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Indexed reports whether the version carries at least a content embedding.
func (c *Component) Indexed() bool {
	return len(c.ContentVector) > 0
}

// Draft is the caller-supplied definition for a new component.
type Draft struct {
	Name    string   `json:"name"`
	Kind    Kind     `json:"kind"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// EvolveSpec describes a lineage step. ExpectedVersion is the version the
// caller read; a concurrent writer that committed first wins and the loser
// gets a VERSION_CONFLICT.
type EvolveSpec struct {
	ExpectedVersion int      `json:"expected_version"`
	Content         string   `json:"content"`
	Tags            []string `json:"tags,omitempty"`
	Strategy        Strategy `json:"strategy"`

	// TargetDomain conditions applicability regeneration for the
	// domain_adaptation strategy. Ignored by other strategies.
	TargetDomain string `json:"target_domain,omitempty"`
}

// Match pairs a component with its fused search score.
type Match struct {
	Component Component `json:"component"`
	Score     float64   `json:"score"`
}
