package merger

// NumScalerChannels is the number of named scaler counters recorded per
// scaler readout.
const NumScalerChannels = 11

// ScalerChannelNames lists the scaler counters in column order. The order is
// shared between the run schema and the consolidated scaler table.
var ScalerChannelNames = [NumScalerChannels]string{
	"clock_free",
	"clock_live",
	"trig_free",
	"trig_live",
	"ic_sca",
	"mesh_sca",
	"si1_cfd",
	"si2",
	"sipm",
	"ic_ds",
	"ic_cfd",
}

// Run attribute keys. min_event/max_event/version describe the event range
// and producer of a run file; session identifies the harmonizer session that
// produced a harmonic run.
const (
	AttrMinEvent = "min_event"
	AttrMaxEvent = "max_event"
	AttrVersion  = "version"
	AttrSession  = "session"
)

// GetTraces is the GET detector trace block of an event: a rows x cols matrix
// of int16 samples plus the hardware id and timestamps recorded with it.
type GetTraces struct {
	ID             uint32
	Timestamp      uint64
	TimestampOther uint64
	Rows           int
	Cols           int
	// Data holds the samples as little-endian int16, row-major.
	Data []byte
}

// PhysicsChannel is one named sub-dataset of the physics block, keyed by the
// channel identifier (e.g. "977", "1903").
type PhysicsChannel struct {
	Name string
	Rows int
	Cols int
	Data []byte
}

// FribPhysics is the FRIBDAQ physics block of an event: zero or more named
// channel datasets plus the FRIB event counter and timestamp.
type FribPhysics struct {
	Event     uint32
	Timestamp uint32
	// Channels is ordered ascending by channel name.
	Channels []PhysicsChannel
}

// Event is one complete merger event. Either block may be absent.
// An event is identified by its (run number, event number) pair.
type Event struct {
	RunNumber   int
	EventNumber int64
	Get         *GetTraces
	Frib        *FribPhysics
}

// ScalerRecord is one scaler readout belonging to a run, independent of any
// individual event.
type ScalerRecord struct {
	ScalerEvent int64
	Timestamp   int64
	Channels    [NumScalerChannels]uint32
}
