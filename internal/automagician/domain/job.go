package domain

// UnknownID marks a derived job whose parent row id has not been resolved yet.
const UnknownID int64 = -1

// OptJob is an optimization job, the root entity every derived job hangs off.
type OptJob struct {
	ID          int64
	Status      JobStatus
	HomeCluster Cluster
	LastOn      Cluster
}

// DosJob tracks the two stages of a density job: the self-consistent (sc) run and the
// density-of-states (dos) run that is created from it.
type DosJob struct {
	OptID     int64
	ScStatus  JobStatus
	DosStatus JobStatus
	ScLastOn  Cluster
	DosLastOn Cluster
}

type WavJob struct {
	OptID  int64
	Status JobStatus
	LastOn Cluster
}

// GoneJob is a frozen copy of an optimization job whose directory vanished while incomplete.
type GoneJob struct {
	Dir         string
	Status      JobStatus
	HomeCluster Cluster
	LastOn      Cluster
}

// Relocation records a job handed to another cluster for submission by the run on that cluster.
type Relocation struct {
	Dir         string
	Destination string
}

func NewOptJob(status JobStatus, cluster Cluster) *OptJob {
	return &OptJob{ID: UnknownID, Status: status, HomeCluster: cluster, LastOn: cluster}
}

func NewDosJob(status JobStatus, cluster Cluster) *DosJob {
	return &DosJob{OptID: UnknownID, ScStatus: status, DosStatus: status, ScLastOn: cluster, DosLastOn: cluster}
}

func NewWavJob(status JobStatus, cluster Cluster) *WavJob {
	return &WavJob{OptID: UnknownID, Status: status, LastOn: cluster}
}

func (j *OptJob) Gone(dir string) *GoneJob {
	return &GoneJob{Dir: dir, Status: j.Status, HomeCluster: j.HomeCluster, LastOn: j.LastOn}
}
