package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("AGRIHUB_TEST_MODE") == "" {
			_ = os.Setenv("AGRIHUB_TEST_MODE", "1")
		}
	})
}
