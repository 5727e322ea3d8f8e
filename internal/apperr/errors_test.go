// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), ""},
		{"validation", Validation("memory.upsert", "bad dimension %d", 3), KindValidation},
		{"wrapped", fmt.Errorf("outer: %w", NotFound("memory.get", "record 7")), KindNotFound},
		{"storage", Storage("ledger.get", errors.New("disk")), KindStorage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrap_KeepsExistingKind(t *testing.T) {
	inner := New(KindChainRejected, "chain.submit", "reverted")
	err := Wrap(KindStorage, "ledger.close", fmt.Errorf("submit: %w", inner))
	assert.Equal(t, KindChainRejected, KindOf(err))
	assert.Nil(t, Wrap(KindStorage, "op", nil))
}

func TestIs_Sentinel(t *testing.T) {
	err := fmt.Errorf("handler: %w", NotFound("memory.get", "record 1"))
	assert.True(t, errors.Is(err, NotFoundErr))
	assert.False(t, errors.Is(err, ValidationErr))
	assert.True(t, IsKind(err, KindNotFound))
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: KindStorage, Op: "ledger.list", Message: "query failed", Err: errors.New("locked")}
	assert.Equal(t, "ledger.list: storage: query failed: locked", err.Error())
	assert.Equal(t, "validation: empty", (&Error{Kind: KindValidation, Message: "empty"}).Error())
}
