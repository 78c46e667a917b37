package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"docchat/internal/domain"
)

const titleMaxRunes = 50

var (
	// ErrStorage matches every persistence I/O failure returned by this package.
	ErrStorage = errors.New("repository: storage failure")
	// ErrConversationNotFound is returned when a message targets an unknown conversation.
	ErrConversationNotFound = errors.New("repository: conversation not found")
)

// StorageError wraps a backend failure with the store operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("repository: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func storageError(op string, err error) error {
	if err == nil || errors.Is(err, ErrConversationNotFound) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// titleFromContent derives a conversation title from its first human turn.
func titleFromContent(content string) string {
	return domain.Excerpt(content, titleMaxRunes)
}

// nextCreatedAt keeps created_at strictly increasing within a conversation so
// that ordering never depends on clock resolution.
func nextCreatedAt(now, last time.Time) time.Time {
	if !now.After(last) {
		return last.Add(time.Nanosecond)
	}
	return now
}

var newID = func() string {
	return uuid.NewString()
}
