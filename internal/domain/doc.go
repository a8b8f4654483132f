// Package domain provides the entity types of the chunkflow orchestration engine:
// projects, specifications, chunks, tool calls, workers, queue items and review logs.
//
// This package follows strict import rules:
//   - CAN import: internal/constants, internal/errors, standard library
//   - MUST NOT import: any other internal packages
//
// All JSON field names use snake_case.
package domain
