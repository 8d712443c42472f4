package artidx

import (
	"errors"

	"artidx/internal/art"
	"artidx/internal/base"
	"artidx/internal/node"
	"artidx/internal/storage"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrIndexClosed     = errors.New("index is closed")
	ErrIndexNotEmpty   = errors.New("index already holds tuples")
	ErrInvalidOperator = errors.New("invalid comparison operator")
	ErrScanClosed      = errors.New("scan is closed")

	ErrKeyEmpty    = art.ErrKeyEmpty
	ErrKeyTooLarge = art.ErrKeyTooLarge
	ErrKeyPrefix   = art.ErrKeyPrefix
	ErrCorruption  = art.ErrCorruption

	ErrUnknownNodeType     = node.ErrUnknownNodeType
	ErrAllocationExhausted = storage.ErrAllocationExhausted

	ErrPageOverflow       = base.ErrPageOverflow
	ErrInvalidMagicNumber = base.ErrInvalidMagicNumber
	ErrInvalidVersion     = base.ErrInvalidVersion
	ErrInvalidPageSize    = base.ErrInvalidPageSize
	ErrInvalidChecksum    = base.ErrInvalidChecksum
)
