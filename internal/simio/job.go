// Package simio reads the external record formats a simulation run is
// configured from: HTCondor and SWF job logs, HTCondor pool exports, and
// CSV storage/cache snapshots. The job readers return range-over-func
// iterators over an io.Reader, so a cmd/lapissim subcommand can stream
// arbitrarily large traces without holding the whole file in memory; the
// pool and storage readers read their whole input and return a slice.
package simio

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/MatterMiners/lapis/internal/job"
)

// ErrMalformedRow is wrapped around any row a reader could not parse into a
// well-formed record. Readers log and skip these rather than aborting the
// whole read, mirroring the source's "removed job from import" behaviour.
var ErrMalformedRow = errors.New("simio: malformed row")

// htcondorResourceMapping is the default column mapping for requested
// resources, matching the source's resource_name_mapping default.
var htcondorResourceMapping = map[string]string{
	"cores":    "RequestCpus",
	"walltime": "RequestWalltime",
	"memory":   "RequestMemory",
	"disk":     "RequestDisk",
}

// HTCondorJobReader reads a whitespace-delimited HTCondor job export (one
// row per job) and yields a Job per row. Only double quotes are treated as
// quoting (encoding/csv rules); single quotes around a field are kept as
// part of its value, so a single-quoted number fails to parse. Rows whose
// RemoteWallClockTime is <= 0 are logged and skipped rather than yielded,
// per spec: an idle or zero-length job contributes nothing observable.
// Unit conversions normalise RequestMemory (MiB) and RequestDisk (KiB) to
// bytes and every time field to seconds, matching the field mapping in
// lapis/job_io/htcondor.py.
func HTCondorJobReader(r io.Reader, logger *zap.Logger) func(yield func(*job.Job) bool) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(yield func(*job.Job) bool) {
		reader := csv.NewReader(r)
		reader.Comma = ' '
		reader.LazyQuotes = true
		reader.TrimLeadingSpace = true

		header, err := reader.Read()
		if err != nil {
			return
		}
		col := columnIndex(header)

		n := 0
		for {
			row, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				logger.Warn("skipped unreadable htcondor row", zap.Error(err))
				continue
			}
			j, err := htcondorJobFromRow(col, row, n)
			n++
			if err != nil {
				logger.Warn("removed job from htcondor import", zap.Error(err))
				continue
			}
			if !yield(j) {
				return
			}
		}
	}
}

func htcondorJobFromRow(col map[string]int, row []string, index int) (*job.Job, error) {
	get := func(name string) (float64, error) {
		idx, ok := col[name]
		if !ok || idx >= len(row) {
			return 0, fmt.Errorf("%w: missing column %q", ErrMalformedRow, name)
		}
		v, err := strconv.ParseFloat(row[idx], 64)
		if err != nil {
			return 0, fmt.Errorf("%w: column %q: %v", ErrMalformedRow, name, err)
		}
		return v, nil
	}

	wallClock, err := get("RemoteWallClockTime")
	if err != nil {
		return nil, err
	}
	if wallClock <= 0 {
		return nil, fmt.Errorf("%w: RemoteWallClockTime <= 0", ErrMalformedRow)
	}

	resources := make(map[string]float64, len(htcondorResourceMapping))
	for key, column := range htcondorResourceMapping {
		v, err := get(column)
		if err != nil {
			return nil, err
		}
		resources[key] = v
	}
	resources["memory"] *= 1024 * 1024 // MiB -> bytes
	resources["disk"] *= 1024          // KiB -> bytes

	sysCPU, err := get("RemoteSysCpu")
	if err != nil {
		return nil, err
	}
	userCPU, err := get("RemoteUserCpu")
	if err != nil {
		return nil, err
	}
	memoryUsage, err := get("MemoryUsage")
	if err != nil {
		return nil, err
	}
	diskUsage, err := get("DiskUsage_RAW")
	if err != nil {
		return nil, err
	}
	qdate, err := get("QDate")
	if err != nil {
		return nil, err
	}

	usedResources := map[string]float64{
		"cores":    (sysCPU + userCPU) / wallClock,
		"walltime": wallClock,
		"memory":   memoryUsage * 1000 * 1000, // MB -> bytes
		"disk":     diskUsage * 1024,          // KiB -> bytes
	}

	name := fmt.Sprintf("htcondor-%d", index)
	if idx, ok := col["ClusterId"]; ok && idx < len(row) {
		name = row[idx]
	}
	return job.New(name, resources, usedResources, nil, qdate, qdate), nil
}

func columnIndex(header []string) map[string]int {
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	return col
}

// swfColumns lists the fixed SWF 2.2 column order, matching
// lapis/job_io/swf.py.
var swfColumns = []string{
	"JobNumber", "SubmitTime", "WaitTime", "RunTime",
	"AllocatedProcessors", "AvgCPUTime", "UsedMemory",
	"RequestedProcessors", "RequestedTime", "RequestedMemory",
	"Status", "UserID", "GroupID", "ExecutableNumber",
	"QueueNumber", "PartitionNumber", "PrecedingJobNumber", "ThinkTime",
}

// SWFJobReader reads a Standard Workload Format trace: whitespace-separated
// columns, comment lines beginning with ';' skipped, fixed column order per
// SWF 2.2. Negative requested quantities are dropped from the resulting
// resource map rather than coerced to 0, since lapis treats an absent key
// as "unconstrained on this job" the same way a drone treats an absent
// pool resource as unconstrained.
func SWFJobReader(r io.Reader) func(yield func(*job.Job) bool) {
	return func(yield func(*job.Job) bool) {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" || strings.HasPrefix(strings.TrimSpace(line), ";") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < len(swfColumns) {
				continue
			}
			values := make([]float64, len(swfColumns))
			ok := true
			for i, raw := range fields[:len(swfColumns)] {
				v, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					ok = false
					break
				}
				values[i] = v
			}
			if !ok {
				continue
			}

			idx := func(name string) float64 {
				for i, n := range swfColumns {
					if n == name {
						return values[i]
					}
				}
				return 0
			}

			resources := map[string]float64{}
			if v := idx("RequestedProcessors"); v >= 0 {
				resources["cores"] = v
			}
			if v := idx("RequestedMemory"); v >= 0 {
				resources["memory"] = v
			}
			if v := idx("RequestedTime"); v >= 0 {
				resources["walltime"] = v
			}

			usedResources := map[string]float64{}
			if v := idx("RunTime"); v >= 0 {
				usedResources["walltime"] = v
			}
			if v := idx("AllocatedProcessors"); v >= 0 {
				usedResources["cores"] = v
			}
			if v := idx("UsedMemory"); v >= 0 {
				usedResources["memory"] = v
			}
			if v := idx("SubmitTime"); v >= 0 {
				usedResources["queuetime"] = v
			}

			name := strconv.FormatFloat(idx("JobNumber"), 'f', 0, 64)
			j := job.New(name, resources, usedResources, nil, idx("SubmitTime"), idx("SubmitTime"))
			if !yield(j) {
				return
			}
		}
	}
}
