// SPDX-License-Identifier: MPL-2.0

package recipe

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/nodeforge/nodeforge/internal/shell"
)

// Dockerfile instruction keywords used by recipes.
const (
	OpFrom    Op = "FROM"
	OpRun     Op = "RUN"
	OpCopy    Op = "COPY"
	OpUser    Op = "USER"
	OpWorkdir Op = "WORKDIR"
	OpEnv     Op = "ENV"
	OpExpose  Op = "EXPOSE"
	OpCmd     Op = "CMD"
)

type (
	// Op is a Dockerfile instruction keyword.
	Op string

	// Instruction is one Dockerfile instruction with its rendered arguments.
	Instruction struct {
		Op   Op
		Args string
	}
)

// String renders the instruction as a Dockerfile line.
func (i Instruction) String() string {
	return string(i.Op) + " " + i.Args
}

// Run renders a script as a RUN instruction.
func Run(script shell.Script) (Instruction, error) {
	body, err := script.Render()
	if err != nil {
		return Instruction{}, err
	}
	return Instruction{Op: OpRun, Args: body}, nil
}

// Copy copies src from the build context to dst, optionally owned by chown.
func Copy(src, dst, chown string) Instruction {
	args := src + " " + dst
	if chown != "" {
		args = "--chown=" + chown + " " + args
	}
	return Instruction{Op: OpCopy, Args: args}
}

// User switches the build identity.
func User(name string) Instruction {
	return Instruction{Op: OpUser, Args: name}
}

// Workdir sets the working directory.
func Workdir(dir string) Instruction {
	return Instruction{Op: OpWorkdir, Args: dir}
}

// Expose documents a listening port.
func Expose(port int) Instruction {
	return Instruction{Op: OpExpose, Args: strconv.Itoa(port)}
}

// Cmd sets the default command in exec form.
func Cmd(argv ...string) (Instruction, error) {
	data, err := json.Marshal(argv)
	if err != nil {
		return Instruction{}, err
	}
	return Instruction{Op: OpCmd, Args: string(data)}, nil
}

// From starts a stage from ref.
func From(ref string) Instruction {
	return Instruction{Op: OpFrom, Args: ref}
}

func renderInstructions(b *strings.Builder, instrs []Instruction) {
	for _, in := range instrs {
		b.WriteString(in.String())
		b.WriteByte('\n')
	}
}
