package vfs

// OpenFlag is the bitmask SQLite passes to xOpen, describing how and what
// kind of file is being opened. Values match SQLite's own SQLITE_OPEN_*
// constants so callers that inspect raw flags stay bit-exact.
type OpenFlag uint32

const (
	OPEN_READONLY     OpenFlag = 0x00000001
	OPEN_READWRITE    OpenFlag = 0x00000002
	OPEN_CREATE       OpenFlag = 0x00000004
	OPEN_DELETEONCLOSE OpenFlag = 0x00000008
	OPEN_EXCLUSIVE    OpenFlag = 0x00000010
	OPEN_MAIN_DB      OpenFlag = 0x00000100
	OPEN_MAIN_JOURNAL OpenFlag = 0x00000800
	OPEN_TEMP_DB      OpenFlag = 0x00000200
	OPEN_TEMP_JOURNAL OpenFlag = 0x00001000
	OPEN_TRANSIENT_DB OpenFlag = 0x00000400
	OPEN_SUBJOURNAL   OpenFlag = 0x00002000
	OPEN_MEMORY       OpenFlag = 0x00000080
)

// fileTypeMask isolates the OPEN_MAIN_DB/OPEN_*_JOURNAL/etc type bits from
// the access-mode and lifecycle bits in an OpenFlag.
const fileTypeMask = OPEN_MAIN_DB | OPEN_MAIN_JOURNAL | OPEN_TEMP_DB |
	OPEN_TEMP_JOURNAL | OPEN_TRANSIENT_DB | OPEN_SUBJOURNAL

// Type returns the file-type subset of flags.
func (f OpenFlag) Type() OpenFlag { return f & fileTypeMask }

// IsMainDB reports whether flags describe SQLite's main database file, as
// opposed to a journal, temp file, or transient file.
func (f OpenFlag) IsMainDB() bool { return f&OPEN_MAIN_DB != 0 }

// LockLevel is one of SQLite's five file-locking levels, totally ordered
// NONE < SHARED < RESERVED < PENDING < EXCLUSIVE.
type LockLevel int

const (
	LOCK_NONE LockLevel = iota
	LOCK_SHARED
	LOCK_RESERVED
	LOCK_PENDING
	LOCK_EXCLUSIVE
)

func (l LockLevel) String() string {
	switch l {
	case LOCK_NONE:
		return "NONE"
	case LOCK_SHARED:
		return "SHARED"
	case LOCK_RESERVED:
		return "RESERVED"
	case LOCK_PENDING:
		return "PENDING"
	case LOCK_EXCLUSIVE:
		return "EXCLUSIVE"
	default:
		return "UNKNOWN"
	}
}

// AccessFlag is the bitmask passed to xAccess.
type AccessFlag uint32

const (
	ACCESS_EXISTS    AccessFlag = 0
	ACCESS_READWRITE AccessFlag = 1
	ACCESS_READ      AccessFlag = 2
)

// SyncFlag is the bitmask passed to xSync.
type SyncFlag uint32

const (
	SYNC_NORMAL   SyncFlag = 0x00002
	SYNC_FULL     SyncFlag = 0x00003
	SYNC_DATAONLY SyncFlag = 0x00010
)

// DeviceCharacteristic is the bitmask returned from xDeviceCharacteristics.
type DeviceCharacteristic uint32

const (
	IOCAP_ATOMIC                DeviceCharacteristic = 0x00000001
	IOCAP_SAFE_APPEND           DeviceCharacteristic = 0x00000200
	IOCAP_SEQUENTIAL            DeviceCharacteristic = 0x00000400
	IOCAP_UNDELETABLE_WHEN_OPEN DeviceCharacteristic = 0x00000800
	IOCAP_POWERSAFE_OVERWRITE   DeviceCharacteristic = 0x00001000
	IOCAP_IMMUTABLE             DeviceCharacteristic = 0x00002000
	IOCAP_BATCH_ATOMIC          DeviceCharacteristic = 0x00004000
)

// FcntlOp is the file-control opcode passed to xFileControl.
type FcntlOp int

const (
	FCNTL_UNKNOWN FcntlOp = iota
	FCNTL_BEGIN_ATOMIC_WRITE
	FCNTL_COMMIT_ATOMIC_WRITE
	FCNTL_ROLLBACK_ATOMIC_WRITE
	FCNTL_SYNC
	FCNTL_OVERWRITE
	FCNTL_COMMIT_PHASETWO
	FCNTL_PRAGMA
	FCNTL_WRITE_HINT
)
