//go:build nocgo

package speaker

import "errors"

// New is unavailable without cgo.
func New(opts ...Option) (*Speaker, error) {
	return nil, errors.New("speaker: built without cgo, no sound device available")
}
