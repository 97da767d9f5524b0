// Package iostat collects per-operation I/O counters and timings.
//
// Each worker owns one IOStats for its lifetime; the engine merges them
// when the run finishes. Nothing here is synchronized.
package iostat

import (
	"fmt"
	"time"
)

// Op is a counter/duration pair for one kind of I/O operation.
type Op struct {
	Count uint64
	Time  time.Duration
}

// Timer bumps the counter and returns a stop func that accumulates the
// elapsed time. Use as: defer st.Read.Timer()().
func (o *Op) Timer() func() {
	o.Count++
	start := time.Now()
	return func() {
		o.Time += time.Since(start)
	}
}

// Add merges another Op into o.
func (o *Op) Add(other Op) {
	o.Count += other.Count
	o.Time += other.Time
}

// IOStats holds counters for every I/O operation the engine performs.
type IOStats struct {
	CreateRead  Op
	Read        Op
	CloseRead   Op
	CreateWrite Op
	Write       Op
	CloseWrite  Op

	CreateLink       Op
	DeleteFile       Op
	MoveFile         Op
	RemoveDir        Op
	SetLastWriteTime Op
	FindFile         Op
	FileInfo         Op
	CreateDir        Op
	CopyFile         Op

	Hash Op
}

// Merge adds all counters from other into s.
func (s *IOStats) Merge(other *IOStats) {
	s.CreateRead.Add(other.CreateRead)
	s.Read.Add(other.Read)
	s.CloseRead.Add(other.CloseRead)
	s.CreateWrite.Add(other.CreateWrite)
	s.Write.Add(other.Write)
	s.CloseWrite.Add(other.CloseWrite)
	s.CreateLink.Add(other.CreateLink)
	s.DeleteFile.Add(other.DeleteFile)
	s.MoveFile.Add(other.MoveFile)
	s.RemoveDir.Add(other.RemoveDir)
	s.SetLastWriteTime.Add(other.SetLastWriteTime)
	s.FindFile.Add(other.FindFile)
	s.FileInfo.Add(other.FileInfo)
	s.CreateDir.Add(other.CreateDir)
	s.CopyFile.Add(other.CopyFile)
	s.Hash.Add(other.Hash)
}

// Report returns one row per operation that was actually used, formatted
// for the end-of-run log.
func (s *IOStats) Report() []string {
	rows := make([]string, 0, 16)
	add := func(name string, op Op) {
		if op.Count == 0 {
			return
		}
		rows = append(rows, fmt.Sprintf("%-14s %8d  %12s", name, op.Count, op.Time.Round(time.Microsecond)))
	}
	add("OpenRead", s.CreateRead)
	add("Read", s.Read)
	add("CloseRead", s.CloseRead)
	add("OpenWrite", s.CreateWrite)
	add("Write", s.Write)
	add("CloseWrite", s.CloseWrite)
	add("CreateLink", s.CreateLink)
	add("DeleteFile", s.DeleteFile)
	add("MoveFile", s.MoveFile)
	add("RemoveDir", s.RemoveDir)
	add("SetWriteTime", s.SetLastWriteTime)
	add("FindFile", s.FindFile)
	add("FileInfo", s.FileInfo)
	add("CreateDir", s.CreateDir)
	add("CopyFile", s.CopyFile)
	add("Hash", s.Hash)
	return rows
}
