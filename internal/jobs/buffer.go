package jobs

import "sync"

// BufferSize is how many outstanding jobs a connection may hold.
const BufferSize = 2

// Buffer holds a connection's outstanding jobs, oldest first. A job leaves the
// buffer the moment a submission names it, so it can be matched only once.
type Buffer struct {
	mu   sync.Mutex
	jobs []*Job
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{jobs: make([]*Job, 0, BufferSize)}
}

// Push appends job, dropping the oldest beyond capacity.
func (b *Buffer) Push(job *Job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.jobs) == BufferSize {
		copy(b.jobs, b.jobs[1:])
		b.jobs = b.jobs[:BufferSize-1]
	}
	b.jobs = append(b.jobs, job)
}

// Take removes and returns the job with id.
func (b *Buffer) Take(id string) (*Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, job := range b.jobs {
		if job.ID == id {
			b.jobs = append(b.jobs[:i], b.jobs[i+1:]...)
			return job, true
		}
	}
	return nil, false
}

// Clear drops every outstanding job.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs = b.jobs[:0]
}

// Len returns the number of outstanding jobs.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.jobs)
}
