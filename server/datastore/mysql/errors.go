package mysql

import (
	"fmt"

	"github.com/VividCortex/mysqlerr"
	"github.com/go-sql-driver/mysql"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/contexts/ctxerr"
)

type notFoundError struct {
	ID           uint
	Name         string
	ResourceType string
}

func notFound(kind string) *notFoundError {
	return &notFoundError{
		ResourceType: kind,
	}
}

func (e *notFoundError) WithID(id uint) *notFoundError {
	e.ID = id
	return e
}

func (e *notFoundError) WithName(name string) *notFoundError {
	e.Name = name
	return e
}

func (e *notFoundError) Error() string {
	msg := e.ResourceType + " not found"
	if e.ID != 0 {
		msg += fmt.Sprintf(" with id %d", e.ID)
	}
	if e.Name != "" {
		msg += fmt.Sprintf(" with name %s", e.Name)
	}
	return msg
}

func (e *notFoundError) IsNotFound() bool {
	return true
}

type existsError struct {
	ResourceType string
}

func alreadyExists(kind string) *existsError {
	return &existsError{ResourceType: kind}
}

func (e *existsError) Error() string {
	return e.ResourceType + " already exists"
}

func (e *existsError) IsExists() bool {
	return true
}

// isDuplicate detects the mysql duplicate-key error underneath any
// annotation layers.
func isDuplicate(err error) bool {
	err = ctxerr.Cause(err)
	if driverErr, ok := err.(*mysql.MySQLError); ok {
		if driverErr.Number == mysqlerr.ER_DUP_ENTRY {
			return true
		}
	}
	return false
}
