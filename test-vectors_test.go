package mls

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// To generate or verify test vectors, run `go test` with these environment
// variables set to point to the directory where the test files reside.  The
// names of the individual files of test vectors are specified in the test
// vector cases below.
//
// > MLS_TEST_VECTORS_OUT=... go test -run VectorGen
// > MLS_TEST_VECTORS_IN=...  go test -run VectorVer
const (
	testDirWriteEnv = "MLS_TEST_VECTORS_OUT"
	testDirReadEnv  = "MLS_TEST_VECTORS_IN"
)

// For each set of test vectors, this struct defines:
//
// * The file name with which the vectors should be saved / loaded
// * A function to generate test vectors
// * A function to verify test vectors
//
// The generate and verify functions report their own errors through the
// testing.T passed to them, and live in the test files of the relevant
// modules.
type TestVectorCase struct {
	Filename string
	Generate func(t *testing.T) []byte
	Verify   func(t *testing.T, data []byte)
}

var testVectorCases = map[string]TestVectorCase{
	"tree_math": {
		Filename: "tree_math.bin",
		Generate: generateTreeMathVectors,
		Verify:   verifyTreeMathVectors,
	},

	"crypto": {
		Filename: "crypto.bin",
		Generate: generateCryptoVectors,
		Verify:   verifyCryptoVectors,
	},

	"key_schedule": {
		Filename: "key_schedule.bin",
		Generate: generateKeyScheduleVectors,
		Verify:   verifyKeyScheduleVectors,
	},
}

func vectorGenerate(c TestVectorCase, testDir string) func(t *testing.T) {
	return func(t *testing.T) {
		vec := c.Generate(t)
		c.Verify(t, vec)

		if len(testDir) != 0 {
			file := filepath.Join(testDir, c.Filename)
			err := os.WriteFile(file, vec, 0o644)
			require.Nil(t, err)
		}
	}
}

func TestVectorGenerate(t *testing.T) {
	testDir := os.Getenv(testDirWriteEnv)

	for label, tvCase := range testVectorCases {
		t.Run(label, vectorGenerate(tvCase, testDir))
	}
}

func vectorVerify(c TestVectorCase, testDir string) func(t *testing.T) {
	return func(t *testing.T) {
		file := filepath.Join(testDir, c.Filename)
		t.Logf("test file %v", file)

		vec, err := os.ReadFile(file)
		require.Nil(t, err)

		c.Verify(t, vec)
	}
}

func TestVectorVerify(t *testing.T) {
	testDir := os.Getenv(testDirReadEnv)
	if len(testDir) == 0 {
		t.Skip("Test vectors were not provided")
	}

	for label, tvCase := range testVectorCases {
		t.Run(label, vectorVerify(tvCase, testDir))
	}
}
