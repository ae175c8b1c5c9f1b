// Package storage persists decks, questions, subscriptions and rotation
// cursors.
//
// Two drivers implement Store: sqlite (modernc.org/sqlite, pure Go) and an
// in-memory map store. Both follow the same contract:
//   - deleting a deck removes its questions and subscription links
//   - replacing a subscription's deck set resets every cursor to 0
//   - AdvanceCursor is compare-and-set on the stored question index
package storage
