package repo

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrVersionConflict = errors.New("version conflict")
	ErrStaleGraph      = errors.New("stale graph write")
	ErrClaimHeld       = errors.New("processing claim held by another owner")
)
