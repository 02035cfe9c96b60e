// Package generator builds device scenes from register tables exported as
// SQL dumps: one polled ApiSource per register module and one port-adv
// layer per register.
package generator

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
)

// ErrNoData is returned when the dump holds no registers for the device.
var ErrNoData = errors.New("no data found for id")

// Register is one row of register_table.
type Register struct {
	ID          int64  `json:"registerId"`
	ModelName   string `json:"registerModelName"`
	Address     string `json:"registerAddress"`
	State       bool   `json:"registerAddressState"`
	Describe    string `json:"registerDescribe"`
	Number      int    `json:"registerNumber"`
	ModuleIndex int    `json:"registerModuleIndex"`
}

// Label is what a layer showing the register is called.
func (r Register) Label() string {
	if r.Describe != "" {
		return r.Describe
	}
	return r.Address
}

// Device is the row of the device table a scene is generated for.
type Device struct {
	ID   string `json:"deviceId"`
	Name string `json:"name"`
	IP   string `json:"ip"`
}

// Module groups the registers sharing a module index, ordered by number.
type Module struct {
	Index     int        `json:"index"`
	Name      string     `json:"name"`
	Registers []Register `json:"registers"`
}

func devicePattern(deviceID string) *regexp.Regexp {
	return regexp.MustCompile(`(?m)INSERT INTO\s+` + "`device`" + `\s*\([^)]*\)\s*VALUES\s*\(\s*` +
		regexp.QuoteMeta(deviceID) + `\s*,[^)]*?'([^']*)'\s*,\s*'([^']*)'`)
}

// Groups: id, model name, address, state, describe, number, module index.
func registerPattern(deviceID string) *regexp.Regexp {
	return regexp.MustCompile(`INSERT INTO\s+` + "`register_table`" + `[^\n]*?VALUES\s*\(\s*(\d+)\s*,\s*` +
		regexp.QuoteMeta(deviceID) +
		`\s*,\s*'([^']*)'\s*,\s*'([^']*)'\s*,\s*(\d+)\s*,\s*(?:NULL|'[^']*')\s*,\s*'([^']*)'\s*,\s*(\d+)\s*,` +
		`\s*(?:NULL|[^,]*)\s*,\s*(?:NULL|[^,]*)\s*,\s*(\d+)\s*,`)
}

// ExtractDevice finds the device row. When there is none the id doubles as
// the name.
func ExtractDevice(sql, deviceID string) Device {
	m := devicePattern(deviceID).FindStringSubmatch(sql)
	if m == nil {
		return Device{ID: deviceID, Name: deviceID}
	}
	return Device{ID: deviceID, Name: m[1], IP: m[2]}
}

// ExtractRegisters returns every register_table row of deviceID in dump order.
func ExtractRegisters(sql, deviceID string) ([]Register, error) {
	var regs []Register
	for _, m := range registerPattern(deviceID).FindAllStringSubmatch(sql, -1) {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("register id %q: %w", m[1], err)
		}
		number, err := strconv.Atoi(m[6])
		if err != nil {
			return nil, fmt.Errorf("register %d number %q: %w", id, m[6], err)
		}
		module, err := strconv.Atoi(m[7])
		if err != nil {
			return nil, fmt.Errorf("register %d module %q: %w", id, m[7], err)
		}
		regs = append(regs, Register{
			ID:          id,
			ModelName:   m[2],
			Address:     m[3],
			State:       m[4] == "1",
			Describe:    m[5],
			Number:      number,
			ModuleIndex: module,
		})
	}
	if len(regs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoData, deviceID)
	}
	return regs, nil
}

// GroupByModule groups registers by module index. Modules are ordered by
// index, registers by number then id. A module is named after the model of
// its first register.
func GroupByModule(regs []Register) []Module {
	byIndex := make(map[int][]Register)
	for _, r := range regs {
		byIndex[r.ModuleIndex] = append(byIndex[r.ModuleIndex], r)
	}
	modules := make([]Module, 0, len(byIndex))
	for idx, list := range byIndex {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Number != list[j].Number {
				return list[i].Number < list[j].Number
			}
			return list[i].ID < list[j].ID
		})
		modules = append(modules, Module{Index: idx, Name: list[0].ModelName, Registers: list})
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i].Index < modules[j].Index })
	return modules
}
