package graph

import (
	"strings"

	"github.com/koru3d/koru/gfx"
)

// Access is a bitmask of the ways a pass uses a resource.
type Access uint32

// Access flags
const (
	ReadTarget Access = 1 << iota
	WriteTarget
	ReadShader
	WriteShader
	ReadCompute
	WriteCompute
	Present
	DepthWrite
	ReadComputeDepth
)

const (
	readMask  = ReadTarget | ReadShader | ReadCompute | ReadComputeDepth
	writeMask = WriteTarget | WriteShader | WriteCompute | DepthWrite
)

var accessNames = []struct {
	flag Access
	name string
}{
	{ReadTarget, "ReadTarget"},
	{WriteTarget, "WriteTarget"},
	{ReadShader, "ReadShader"},
	{WriteShader, "WriteShader"},
	{ReadCompute, "ReadCompute"},
	{WriteCompute, "WriteCompute"},
	{Present, "Present"},
	{DepthWrite, "DepthWrite"},
	{ReadComputeDepth, "ReadComputeDepth"},
}

// Reads reports whether a contains a read access.
func (a Access) Reads() bool {
	return a&readMask != 0
}

// Writes reports whether a contains a write access.
func (a Access) Writes() bool {
	return a&writeMask != 0
}

func (a Access) String() string {
	var parts []string
	for _, n := range accessNames {
		if a&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, "|")
}

// Dependency declares how a pass accesses a resource.
type Dependency struct {
	Access   Access
	Resource gfx.Resource
}

// On is shorthand for Dependency{access, r}.
func On(r gfx.Resource, access Access) Dependency {
	return Dependency{Access: access, Resource: r}
}
