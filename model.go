// Copyright (c) 2020–2026 The maglab developers. All rights reserved.
// Project site: https://github.com/gotmc/maglab
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package maglab

import "strings"

// Model is the closed set of instrument variants this module drives.
type Model int

// Supported instrument models.
const (
	ModelUnknown Model = iota
	ModelIPS
	ModelILM
	ModelITC
	ModelKeithley2400
	ModelKeithley6517A
	ModelKeithley2182
	ModelLakeshore340
)

var modelDesc = map[Model]string{
	ModelUnknown:       "unknown instrument",
	ModelIPS:           "Oxford IPS magnet power supply",
	ModelILM:           "Oxford ILM level meter",
	ModelITC:           "Oxford ITC temperature controller",
	ModelKeithley2400:  "Keithley 2400 source meter",
	ModelKeithley6517A: "Keithley 6517A electrometer",
	ModelKeithley2182:  "Keithley 2182 nanovoltmeter",
	ModelLakeshore340:  "Lakeshore 340 temperature controller",
}

func (m Model) String() string {
	if s, ok := modelDesc[m]; ok {
		return s
	}
	return modelDesc[ModelUnknown]
}

// Oxford reports whether m is one of the MagLab2000 ISOBUS instruments.
func (m Model) Oxford() bool {
	return m == ModelIPS || m == ModelILM || m == ModelITC
}

// ParseModel maps a configuration name such as "ips" or "k2400" to a Model.
func ParseModel(name string) Model {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ips":
		return ModelIPS
	case "ilm":
		return ModelILM
	case "itc":
		return ModelITC
	case "k2400", "keithley2400", "2400":
		return ModelKeithley2400
	case "k6517a", "keithley6517a", "6517a":
		return ModelKeithley6517A
	case "k2182", "keithley2182", "2182":
		return ModelKeithley2182
	case "ls340", "lakeshore340", "340":
		return ModelLakeshore340
	}
	return ModelUnknown
}

// Identify picks the model named by a version ("V") or identification
// ("*IDN?") reply. It is evaluated once per profile, at construction.
func Identify(reply string) Model {
	id := strings.ToUpper(reply)
	switch {
	case strings.Contains(id, "KEITHLEY"):
		switch {
		case strings.Contains(id, "6517A"):
			return ModelKeithley6517A
		case strings.Contains(id, "2400"):
			return ModelKeithley2400
		case strings.Contains(id, "2182"):
			return ModelKeithley2182
		}
	case strings.Contains(id, "LSCI") || strings.Contains(id, "MODEL340"):
		if strings.Contains(id, "340") {
			return ModelLakeshore340
		}
	case strings.Contains(id, "IPS"):
		return ModelIPS
	case strings.Contains(id, "ILM"):
		return ModelILM
	case strings.Contains(id, "ITC"):
		return ModelITC
	}
	return ModelUnknown
}

// Expect returns a WrongInstrumentError unless identity names want.
func Expect(identity string, want Model) error {
	if Identify(identity) != want {
		return &WrongInstrumentError{Want: want, Identity: strings.TrimSpace(identity)}
	}
	return nil
}
