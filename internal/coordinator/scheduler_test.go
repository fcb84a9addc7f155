package coordinator

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fileNames(n int) []string {
	files := make([]string, n)
	for i := range files {
		files[i] = fmt.Sprintf("src/F%02d.php", i)
	}
	return files
}

func TestNewSchedule(t *testing.T) {
	tests := []struct {
		name              string
		files             int
		maxProcesses      int
		jobSize           int
		minJobsPerProcess int
		wantJobs          []int
		wantProcesses     int
	}{
		{"no files", 0, 4, 20, 2, nil, 0},
		{"single job", 3, 4, 20, 2, []int{3}, 1},
		{"bounded by min jobs per process", 5, 4, 2, 2, []int{2, 2, 1}, 2},
		{"bounded by max processes", 10, 3, 1, 1, []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}, 3},
		{"non-positive tunables", 2, 0, 0, 0, []int{1, 1}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := fileNames(tt.files)
			s := NewSchedule(files, tt.maxProcesses, tt.jobSize, tt.minJobsPerProcess)

			assert.Equal(t, tt.wantProcesses, s.Processes)

			var sizes []int
			var flat []string
			for _, job := range s.Jobs {
				sizes = append(sizes, len(job))
				flat = append(flat, job...)
			}
			assert.Equal(t, tt.wantJobs, sizes)
			if tt.files > 0 {
				assert.Equal(t, files, flat, "every file in exactly one job, in order")
			}
		})
	}
}

func TestNewScheduleJobsDoNotAlias(t *testing.T) {
	s := NewSchedule(fileNames(4), 2, 2, 1)
	first := append(s.Jobs[0], "extra.php")

	assert.Equal(t, "extra.php", first[2])
	assert.Equal(t, "src/F02.php", s.Jobs[1][0])
}
