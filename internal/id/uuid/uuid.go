// Package uuid mints session IDs and the stable TrackIDs used as dedup keys.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/track-harvester/internal/crawler"
)

// trackNamespace scopes TrackIDs so they never collide with other v5 UUIDs.
var trackNamespace = uuid.MustParse("6f1c8a4e-2d0b-5c77-9a3e-1b4f0d2c8e51")

// Generator creates UUID v7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// TrackID derives the TrackID for a catalog entry. The same catalog and ID
// always give the same TrackID, across processes and restarts.
func TrackID(catalog crawler.Source, catalogID string) crawler.TrackID {
	return crawler.TrackID(uuid.NewSHA1(trackNamespace, []byte(string(catalog)+":"+catalogID)).String())
}
