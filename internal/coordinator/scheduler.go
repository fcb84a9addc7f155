package coordinator

// Schedule is the static plan for one job: the batches to dispatch and how
// many worker processes to start for them.
type Schedule struct {
	Processes int
	Jobs      [][]string
}

// NewSchedule splits files into consecutive chunks of at most jobSize and
// sizes the pool so every process gets at least minJobsPerProcess chunks,
// bounded by maxProcesses. Non-positive tunables fall back to 1.
func NewSchedule(files []string, maxProcesses, jobSize, minJobsPerProcess int) Schedule {
	if jobSize < 1 {
		jobSize = 1
	}
	if maxProcesses < 1 {
		maxProcesses = 1
	}
	if minJobsPerProcess < 1 {
		minJobsPerProcess = 1
	}

	var jobs [][]string
	for start := 0; start < len(files); start += jobSize {
		end := min(start+jobSize, len(files))
		jobs = append(jobs, files[start:end:end])
	}
	if len(jobs) == 0 {
		return Schedule{}
	}

	processes := (len(jobs) + minJobsPerProcess - 1) / minJobsPerProcess
	return Schedule{
		Processes: max(1, min(maxProcesses, processes)),
		Jobs:      jobs,
	}
}
