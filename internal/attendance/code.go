package attendance

import (
	"fmt"
	"math/rand"
)

// CodeSpace is the number of distinct attendance codes.
const CodeSpace = 10000

// RandomCode draws a 4-digit attendance code uniformly from CodeSpace.
// Codes are meant to be typed by hand, not to resist guessing.
func RandomCode() string {
	return fmt.Sprintf("%04d", rand.Intn(CodeSpace))
}
