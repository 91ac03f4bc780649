package flashfs

import "github.com/pkg/errors"

// configuration
var (
	ErrBadConf = errors.New("bad configuration")
)

// precondition violations raised by the page primitives
var (
	ErrDeletingFreePage    = errors.New("deleting free page")
	ErrDeletingDeletedPage = errors.New("deleting deleted page")
	ErrMovingFreePage      = errors.New("moving free page")
	ErrMovingDeletedPage   = errors.New("moving deleted page")
	ErrMovingToUnfreePage  = errors.New("moving to unfree page")
	ErrMovingToSamePage    = errors.New("moving to same page")
	ErrMovingBadFlag       = errors.New("moving page with bad flag")
	ErrWriteBadID          = errors.New("writing page header with bad id")
	ErrWriteUnfreePage     = errors.New("writing page header to unfree page")
)

// resource exhaustion
var (
	ErrNoFreePage         = errors.New("no free page")
	ErrNoFreeID           = errors.New("no free object id")
	ErrFull               = errors.New("filesystem full")
	ErrOverflow           = errors.New("filesystem overflow, spare sector in use")
	ErrOutOfFileDescs     = errors.New("out of file descriptors")
	ErrNoGCCandidate      = errors.New("no garbage collection candidate")
	ErrNameConflict       = errors.New("name conflict")
	ErrFileNotFound       = errors.New("file not found")
	ErrPageNotFound       = errors.New("page not found")
	ErrNameTooLong        = errors.New("name too long")
	ErrBadName            = errors.New("bad file name")
	ErrModifyBeyondFile   = errors.New("modifying beyond end of file")
	ErrTruncateBeyondFile = errors.New("truncating beyond end of file")
)

// descriptor and state
var (
	ErrFileDescBad         = errors.New("bad file descriptor")
	ErrFileDescClosed      = errors.New("file descriptor closed")
	ErrNotReadable         = errors.New("file not opened for reading")
	ErrNotWritable         = errors.New("file not opened for writing")
	ErrMounted             = errors.New("filesystem mounted")
	ErrNotMounted          = errors.New("filesystem not mounted")
	ErrNotAFilesystem      = errors.New("not a filesystem")
	ErrSectorUnformattable = errors.New("sector unformattable")
	ErrIncoherentID        = errors.New("incoherent object id")
	ErrPageDeleted         = errors.New("page deleted")
	ErrPageFree            = errors.New("page free")
)
