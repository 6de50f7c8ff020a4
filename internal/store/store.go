// Package store is the boundary to the backlog store: the external source
// of truth for room records, backlog ordering/content and validated
// estimates. Sessions read it at start and write estimates back on reveal.
package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("not found")

type RoomRecord struct {
	Code string
	Mode string
}

type Item struct {
	ExternalID  string
	Title       string
	Description string
	Order       int
	Estimate    string
}

type Store interface {
	CreateRoom(ctx context.Context, code, mode string) error
	Room(ctx context.Context, code string) (RoomRecord, error)
	// ReplaceBacklog swaps the whole backlog for a room. Estimates on the
	// incoming items are ignored; they are only ever written via SetEstimate.
	ReplaceBacklog(ctx context.Context, code string, items []Item) error
	Backlog(ctx context.Context, code string) ([]Item, error)
	SetEstimate(ctx context.Context, code, externalID, value string) error
}
