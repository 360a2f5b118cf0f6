// /internal/apperr/codes.go

// Package apperr provides the launcher's error taxonomy.
package apperr

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an error outside the taxonomy.
	CodeUnknown Code = "UNKNOWN"

	// Transient
	CodeNetwork Code = "NETWORK"

	// Integrity
	CodeChecksumMismatch Code = "CHECKSUM_MISMATCH"
	CodeHTTPStatus       Code = "HTTP_STATUS"
	CodeCorruptState     Code = "CORRUPT_STATE"

	// Resource
	CodeInsufficientDisk Code = "INSUFFICIENT_DISK_SPACE"
	CodeMissingComponent Code = "MISSING_COMPONENT"
	CodeIO               Code = "IO"
	CodeNotInstalled     Code = "NOT_INSTALLED"
	CodeNotFound         Code = "NOT_FOUND"

	// Conflict
	CodeNotReady        Code = "NOT_READY"
	CodeInUse           Code = "IN_USE"
	CodeLaunchConflict  Code = "LAUNCH_CONFLICT"
	CodeInstallConflict Code = "INSTALL_CONFLICT"

	CodeCancelled Code = "CANCELLED"

	// FatalProcess
	CodeProcessFailed Code = "PROCESS_FAILED"

	// Internal
	CodeInvariant Code = "INVARIANT"
	CodeInvalid   Code = "INVALID_ARGUMENT"
)

// Metadata keys shared across packages.
const (
	MetaOffset    = "offset"
	MetaPath      = "path"
	MetaRequired  = "required"
	MetaAvailable = "available"
	MetaVersion   = "version"
	MetaArtifact  = "artifact"
	MetaStatus    = "status"
)

// Kind is the coarse class used to decide retry and presentation.
type Kind string

const (
	KindTransient    Kind = "transient"
	KindIntegrity    Kind = "integrity"
	KindResource     Kind = "resource"
	KindConflict     Kind = "conflict"
	KindCancelled    Kind = "cancelled"
	KindFatalProcess Kind = "fatal_process"
	KindInternal     Kind = "internal"
)

// Kind maps the code to its taxonomy class.
func (c Code) Kind() Kind {
	switch c {
	case CodeNetwork:
		return KindTransient
	case CodeChecksumMismatch, CodeHTTPStatus, CodeCorruptState:
		return KindIntegrity
	case CodeInsufficientDisk, CodeMissingComponent, CodeIO, CodeNotInstalled, CodeNotFound:
		return KindResource
	case CodeNotReady, CodeInUse, CodeLaunchConflict, CodeInstallConflict:
		return KindConflict
	case CodeCancelled:
		return KindCancelled
	case CodeProcessFailed:
		return KindFatalProcess
	default:
		return KindInternal
	}
}
