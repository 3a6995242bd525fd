package models

import "errors"

var (
	// ErrInvalidBoundingBox is returned for boxes whose minimum corner
	// exceeds the maximum on either axis, whose coordinates are not
	// finite, or whose reference system is unset.
	ErrInvalidBoundingBox = errors.New("geosubset: invalid bounding box")

	// ErrInvalidTimeWindow is returned for inverted windows. Zero-width
	// windows are valid and simply match no rows.
	ErrInvalidTimeWindow = errors.New("geosubset: invalid time window")

	// ErrDuplicateIdentifier is returned when a point identifier appears
	// more than once in a collection.
	ErrDuplicateIdentifier = errors.New("geosubset: duplicate point identifier")

	// ErrAmbiguousReferenceSystem is returned when the database reports
	// more than one reference system for a single geometry column.
	ErrAmbiguousReferenceSystem = errors.New("geosubset: ambiguous reference system")

	// ErrReferenceSystemMismatch is returned when points or boxes in
	// different reference systems are combined.
	ErrReferenceSystemMismatch = errors.New("geosubset: reference system mismatch")
)
