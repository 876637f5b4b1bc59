// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"fmt"
	"strconv"
	"strings"

	"throttle/pkg/tbucket"
)

// Metric distinguishes which counter a config line sets.
type Metric int

const (
	MetricBPS Metric = iota
	MetricIOPS
)

// FileName enumerates the config files: eight writable limit files and two
// read-only stat files.
type FileName string

const (
	FileReadBPSDevice         FileName = "throttle.read_bps_device"
	FileWriteBPSDevice        FileName = "throttle.write_bps_device"
	FileRWBPSDevice           FileName = "throttle.rw_bps_device"
	FileReadIOPSDevice        FileName = "throttle.read_iops_device"
	FileWriteIOPSDevice       FileName = "throttle.write_iops_device"
	FileRWIOPSDevice          FileName = "throttle.rw_iops_device"
	FileHybridReadBPSDevice   FileName = "throttle.hybrid_read_bps_device"
	FileHybridWriteBPSDevice  FileName = "throttle.hybrid_write_bps_device"
	FileIOServiceBytes        FileName = "throttle.io_service_bytes"
	FileIOServiced            FileName = "throttle.io_serviced"
)

// fileSpecs maps a file name to the (dir, metric, hybrid) it writes.
var fileSpecs = map[FileName]struct {
	dir     Dir
	metric  Metric
	hybrid  bool
}{
	FileReadBPSDevice:        {Read, MetricBPS, false},
	FileWriteBPSDevice:       {Write, MetricBPS, false},
	FileRWBPSDevice:          {RandW, MetricBPS, false},
	FileReadIOPSDevice:       {Read, MetricIOPS, false},
	FileWriteIOPSDevice:      {Write, MetricIOPS, false},
	FileRWIOPSDevice:         {RandW, MetricIOPS, false},
	FileHybridReadBPSDevice:  {Read, MetricBPS, true},
	FileHybridWriteBPSDevice: {Write, MetricBPS, true},
}

// ConfigLine is one parsed configuration write.
type ConfigLine struct {
	Group  GroupID
	Device DeviceID
	FD     FDID // zero unless this came from a hybrid_* file
	Dir    Dir
	Metric Metric
	Value  int64 // already translated to tbucket's -1-means-unlimited convention
}

// ParseConfigLine parses one line of text written to file on behalf of
// group, per the wire formats:
//
//	MAJOR:MINOR VALUE            (plain files)
//	MAJOR:MINOR FD_ID VALUE       (hybrid_* files)
//
// VALUE of 0 on the wire means "no limit" and is translated to tbucket's
// internal -1 sentinel. Malformed lines return ErrInvalidArgument.
func ParseConfigLine(group GroupID, file FileName, line string) (ConfigLine, error) {
	spec, ok := fileSpecs[file]
	if !ok {
		return ConfigLine{}, fmt.Errorf("%w: %q is not a writable config file", ErrInvalidArgument, file)
	}

	fields := strings.Fields(line)
	wantFields := 2
	if spec.hybrid {
		wantFields = 3
	}
	if len(fields) != wantFields {
		return ConfigLine{}, fmt.Errorf("%w: expected %d fields, got %d", ErrInvalidArgument, wantFields, len(fields))
	}

	dev, err := parseDevice(fields[0])
	if err != nil {
		return ConfigLine{}, err
	}

	var fd FDID
	valueField := fields[1]
	if spec.hybrid {
		n, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return ConfigLine{}, fmt.Errorf("%w: bad fake device id %q", ErrInvalidArgument, fields[1])
		}
		fd = FDID(n)
		valueField = fields[2]
	}

	raw, err := strconv.ParseInt(valueField, 10, 64)
	if err != nil || raw < 0 {
		return ConfigLine{}, fmt.Errorf("%w: bad value %q", ErrInvalidArgument, valueField)
	}
	value := raw
	if value == 0 {
		value = tbucket.Unlimited
	}

	return ConfigLine{
		Group:  group,
		Device: dev,
		FD:     fd,
		Dir:    spec.dir,
		Metric: spec.metric,
		Value:  value,
	}, nil
}

// parseDevice parses a MAJOR:MINOR pair.
func parseDevice(s string) (DeviceID, error) {
	major, minor, ok := strings.Cut(s, ":")
	if !ok {
		return DeviceID{}, fmt.Errorf("%w: device %q is not MAJOR:MINOR", ErrInvalidArgument, s)
	}
	maj, err := strconv.ParseUint(major, 10, 32)
	if err != nil {
		return DeviceID{}, fmt.Errorf("%w: bad major %q", ErrInvalidArgument, major)
	}
	min, err := strconv.ParseUint(minor, 10, 32)
	if err != nil {
		return DeviceID{}, fmt.Errorf("%w: bad minor %q", ErrInvalidArgument, minor)
	}
	return DeviceID{Major: uint32(maj), Minor: uint32(min)}, nil
}
