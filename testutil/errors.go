/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"github.com/stretchr/testify/require"
)

// RequireNoErrorInChannel fails the test if the buffered channel already holds a non-nil error.
// It never blocks: an empty channel passes.
func RequireNoErrorInChannel(t require.TestingT, errs <-chan error, msgAndArgs ...interface{}) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	select {
	case err := <-errs:
		require.NoError(t, err, msgAndArgs...)
	default:
	}
}
