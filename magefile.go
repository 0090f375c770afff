//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/target"
)

const (
	binary  = "bin/collab-server"
	mainPkg = "./cmd/collab-server"
)

var Default = Build

// Build compiles the server into bin/ when any source changed.
func Build() error {
	updated, err := target.Dir(binary, ".")
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}

	fmt.Println("building...")
	if err := os.MkdirAll("bin", 0755); err != nil {
		return err
	}
	cmd := exec.Command("go", "build", "-o", binary, mainPkg)
	connectStd(cmd)
	return cmd.Run()
}

// Test runs the unit and websocket tests with the race detector.
func Test() error {
	mg.Deps(Vet)

	fmt.Println("testing...")
	cmd := exec.Command("go", "test", "-race", "-count=1", "./...")
	connectStd(cmd)
	return cmd.Run()
}

func Vet() error {
	cmd := exec.Command("go", "vet", "./...")
	connectStd(cmd)
	return cmd.Run()
}

// Clean removes build output.
func Clean() error {
	fmt.Println("cleaning...")
	return os.RemoveAll("bin")
}

func connectStd(cmd *exec.Cmd) {
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
}
