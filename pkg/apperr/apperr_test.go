package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_WrappedErrors(t *testing.T) {
	base := NotFound("GetEntity", "entity %s not found", "e1")
	wrapped := fmt.Errorf("loading path: %w", base)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(wrapped))
	assert.Equal(t, "entity e1 not found", PublicMessage(wrapped))
}

func TestHTTPStatus_Mapping(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Validation("op", "bad")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(Conflict("op", "dup")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
	assert.Equal(t, http.StatusOK, HTTPStatus(nil))
}

func TestInternal_HidesDetailsAndKeepsKinds(t *testing.T) {
	assert.Nil(t, Internal("op", nil))

	err := Internal("Snapshot", errors.New("disk I/O error"))
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, "internal error", PublicMessage(err))
	assert.Contains(t, err.Error(), "Snapshot: disk I/O error")

	conflict := Conflict("CreateRelationship", "exists")
	assert.Same(t, conflict, Internal("outer", conflict))
}
