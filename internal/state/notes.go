package state

import (
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/notesync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// GetAllNotes returns every local note ordered by ID.
func (s *State) GetAllNotes() ([]models.Note, error) {
	var notes []models.Note

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(notesBucket).ForEach(func(_, v []byte) error {
			var n models.Note
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}

			notes = append(notes, n)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing notes: %w", err)
	}

	sortNotes(notes)

	return notes, nil
}

// GetNoteByID returns a note, or nil if it does not exist.
func (s *State) GetNoteByID(id string) (*models.Note, error) {
	var n *models.Note

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		n, err = getNote(tx, id)

		return err
	})

	return n, err
}

// UpsertNote creates or replaces a note. IDs that could never be synced
// are rejected with ErrInvalidNoteID.
func (s *State) UpsertNote(n models.Note) error {
	if err := models.ValidateNoteID(n.ID); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return putNote(tx, n)
	})
}

// DeleteNote removes a note. Deleting a missing note is not an error.
func (s *State) DeleteNote(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(notesBucket).Delete([]byte(id))
	})
}

// UpdateNote applies fn to the current note (nil when absent) inside a
// single write transaction. fn returns the note to store, or nil to
// delete it. An error from fn rolls back and is returned unchanged.
// Storing under an invalid ID fails with ErrInvalidNoteID; deleting
// one does not.
func (s *State) UpdateNote(id string, fn func(cur *models.Note) (*models.Note, error)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		cur, err := getNote(tx, id)
		if err != nil {
			return err
		}

		next, err := fn(cur)
		if err != nil {
			return err
		}

		if next == nil {
			return tx.Bucket(notesBucket).Delete([]byte(id))
		}

		if next.ID != id {
			return fmt.Errorf("note update changed id %q to %q", id, next.ID)
		}

		return putNote(tx, *next)
	})
}

func getNote(tx *bolt.Tx, id string) (*models.Note, error) {
	v := tx.Bucket(notesBucket).Get([]byte(id))
	if v == nil {
		return nil, nil
	}

	n := &models.Note{}
	if err := json.Unmarshal(v, n); err != nil {
		return nil, fmt.Errorf("decoding note %s: %w", id, err)
	}

	return n, nil
}

func putNote(tx *bolt.Tx, n models.Note) error {
	if err := models.ValidateNoteID(n.ID); err != nil {
		return err
	}

	data, err := json.Marshal(n)
	if err != nil {
		return err
	}

	return tx.Bucket(notesBucket).Put([]byte(n.ID), data)
}
