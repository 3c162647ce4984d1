package repository

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrDuplicate indicates a uniqueness rule rejected the write.
	ErrDuplicate = errors.New("duplicate record")
	// ErrNoAssignment indicates a peer grader holds no assignment for the submission.
	ErrNoAssignment = errors.New("no grading assignment for scorer")
	// ErrWorkflowTerminal indicates the workflow is already done or cancelled.
	ErrWorkflowTerminal = errors.New("workflow is terminal")
)

// IsContention reports whether err is a transient lock or serialization conflict worth retrying.
func IsContention(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	message := strings.ToLower(err.Error())
	for _, marker := range []string{
		"could not serialize access",
		"deadlock detected",
		"lock not available",
		"database is locked",
		"database table is locked",
		"sqlite_busy",
	} {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}
