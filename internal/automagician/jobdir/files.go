package jobdir

const (
	Poscar  = "POSCAR"
	Potcar  = "POTCAR"
	Incar   = "INCAR"
	Kpoints = "KPOINTS"

	RunLog         = "ll_out"
	FinalStructure = "CONTCAR"
	Outcar         = "OUTCAR"
	EnergyTrace    = "fe.dat"
	Certificate    = "convergence_certificate"

	Chgcar  = "CHGCAR"
	Doscar  = "DOSCAR"
	Wavecar = "WAVECAR"

	PreliminaryResults = "preliminary_results.dat"
	ErrorLog           = "error_log.dat"
	PlainTextDump      = "opt_jobs"
)

// RequiredInputs are the files every optimization job needs besides the cluster's submission script.
var RequiredInputs = []string{Poscar, Potcar, Incar, Kpoints}

const (
	ConvergencePhrase      = "reached required accuracy - stopping structural energy minimisation"
	SchedulerFailurePhrase = "I REFUSE TO CONTINUE WITH THIS SICK JOB"
	RootFindingFailure     = "ZBRENT"
	PotentialCountMismatch = "number of potentials on File POTCAR incompatible with number"
)
