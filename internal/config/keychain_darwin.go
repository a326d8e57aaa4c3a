//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os/exec"
)

// keychainExec reads a generic password from the login keychain.
func keychainExec(service, account string) ([]byte, error) {
	out, err := exec.Command("security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil, fmt.Errorf("no keychain item for %s/%s", service, account)
	}
	return out, err
}
