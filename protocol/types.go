package protocol

import "fmt"

// Collection names in the document store.
const (
	CollectionStations         = "stations"
	CollectionDevices          = "devices"
	CollectionRobots           = "robots"
	CollectionOperations       = "operations"
	CollectionOperationResults = "operation_results"
	CollectionInventories      = "inventories"
	CollectionContainers       = "containers"
	CollectionReagents         = "reagents"
	CollectionLab              = "lab"
)

// Collections lists every collection reachable over the lab API.
var Collections = []string{
	CollectionStations,
	CollectionDevices,
	CollectionRobots,
	CollectionOperations,
	CollectionOperationResults,
	CollectionInventories,
	CollectionContainers,
	CollectionReagents,
}

// IsCollection reports whether name is a known entity collection.
func IsCollection(name string) bool {
	for _, c := range Collections {
		if c == name {
			return true
		}
	}
	return false
}

// Reserved document fields.
const (
	FieldID         = "id"
	FieldCollection = "_collection"
	FieldClass      = "cls"
	FieldModule     = "module_path"
	FieldName       = "name"
)

// EntityType is the kind of entity an Operation targets.
type EntityType string

const (
	EntityDevice  EntityType = "device"
	EntityRobot   EntityType = "robot"
	EntityStation EntityType = "station"
)

// Collection returns the collection holding entities of this type.
func (t EntityType) Collection() string {
	switch t {
	case EntityDevice:
		return CollectionDevices
	case EntityRobot:
		return CollectionRobots
	case EntityStation:
		return CollectionStations
	}
	return ""
}

// EntityTypeFor returns the entity type for a callable collection.
func EntityTypeFor(collection string) (EntityType, bool) {
	switch collection {
	case CollectionDevices:
		return EntityDevice, true
	case CollectionRobots:
		return EntityRobot, true
	case CollectionStations:
		return EntityStation, true
	}
	return "", false
}

// StationType classifies a station.
type StationType int

const (
	StationStorage     StationType = 0
	StationWork        StationType = 1
	StationMobileRobot StationType = 2
)

func (t StationType) String() string {
	switch t {
	case StationStorage:
		return "storage"
	case StationWork:
		return "work"
	case StationMobileRobot:
		return "mobile_robot"
	}
	return fmt.Sprintf("station_type(%d)", int(t))
}

// ParseStationType accepts the names produced by String.
func ParseStationType(s string) (StationType, error) {
	switch s {
	case "storage":
		return StationStorage, nil
	case "work", "":
		return StationWork, nil
	case "mobile_robot":
		return StationMobileRobot, nil
	}
	return 0, fmt.Errorf("unknown station type %q", s)
}

// ActivityStatus is the availability of a station, device or robot.
type ActivityStatus int

const (
	StatusError ActivityStatus = -1
	StatusIdle  ActivityStatus = 0
	StatusBusy  ActivityStatus = 1
)

func (s ActivityStatus) String() string {
	switch s {
	case StatusError:
		return "error"
	case StatusIdle:
		return "idle"
	case StatusBusy:
		return "busy"
	}
	return fmt.Sprintf("activity_status(%d)", int(s))
}

// MobileRobotState is the motion state of a mobile robot.
type MobileRobotState int

const (
	RobotError        MobileRobotState = -1
	RobotAvailable    MobileRobotState = 0
	RobotManipulating MobileRobotState = 1
	RobotNavigating   MobileRobotState = 2
	RobotCharging     MobileRobotState = 3
)

func (s MobileRobotState) String() string {
	switch s {
	case RobotError:
		return "error"
	case RobotAvailable:
		return "available"
	case RobotManipulating:
		return "manipulating"
	case RobotNavigating:
		return "navigating"
	case RobotCharging:
		return "charging"
	}
	return fmt.Sprintf("mobile_robot_state(%d)", int(s))
}

// OperationStatus is the lifecycle stage of an Operation. A failed operation
// is COMPLETED with an unsuccessful result.
type OperationStatus int

const (
	OpCreated    OperationStatus = 0
	OpInProgress OperationStatus = 2
	OpCompleted  OperationStatus = 3
)

func (s OperationStatus) String() string {
	switch s {
	case OpCreated:
		return "created"
	case OpInProgress:
		return "in_progress"
	case OpCompleted:
		return "completed"
	}
	return fmt.Sprintf("operation_status(%d)", int(s))
}

// ResultDataStatus tracks the out-of-band payload of an OperationResult.
type ResultDataStatus int

const (
	DataUnavailable ResultDataStatus = -1
	DataUploading   ResultDataStatus = 0
	DataAvailable   ResultDataStatus = 1
)

func (s ResultDataStatus) String() string {
	switch s {
	case DataUnavailable:
		return "unavailable"
	case DataUploading:
		return "uploading"
	case DataAvailable:
		return "available"
	}
	return fmt.Sprintf("data_status(%d)", int(s))
}

// PatchType selects the structural update applied by modify_property.
type PatchType int

const (
	PatchSet        PatchType = 1
	PatchListAppend PatchType = 2
	PatchListPop    PatchType = 3
	PatchListInsert PatchType = 4
	PatchListDelete PatchType = 5
	PatchDictInsert PatchType = 6
	PatchDictDelete PatchType = 7
)

func (p PatchType) String() string {
	switch p {
	case PatchSet:
		return "set"
	case PatchListAppend:
		return "list_append"
	case PatchListPop:
		return "list_pop"
	case PatchListInsert:
		return "list_insert"
	case PatchListDelete:
		return "list_delete"
	case PatchDictInsert:
		return "dict_insert"
	case PatchDictDelete:
		return "dict_delete"
	}
	return fmt.Sprintf("patch_type(%d)", int(p))
}

// Valid reports whether p is a known patch kind.
func (p PatchType) Valid() bool {
	return p >= PatchSet && p <= PatchDictDelete
}

// Result payload kinds for OperationResult.DataType.
const (
	DataTypeJSON   = "json"
	DataTypeFile   = "file"
	DataTypeFolder = "folder"
)
