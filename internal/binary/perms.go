package binary

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// makeExecutable sets mode 0755 on path. Some storage rejects os.Chmod, so
// the chmod utility and a broader mode are tried in turn.
func makeExecutable(path string) error {
	var errs []error

	if err := os.Chmod(path, 0o755); err == nil && isExecutableFile(path) {
		return nil
	} else if err != nil {
		errs = append(errs, err)
	}

	if out, err := exec.Command("chmod", "755", path).CombinedOutput(); err == nil && isExecutableFile(path) {
		return nil
	} else if err != nil {
		errs = append(errs, fmt.Errorf("chmod 755: %w: %s", err, out))
	}

	if err := os.Chmod(path, 0o777); err == nil && isExecutableFile(path) {
		return nil
	} else if err != nil {
		errs = append(errs, err)
	}

	errs = append(errs, fmt.Errorf("%s is still not executable", path))
	return errors.Join(errs...)
}
