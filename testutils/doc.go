// Package testutils provides testing utilities shared across spoold's test
// suites.
//
// Key components:
//   - FileBasedS3Mock: a storage.BodyStore backed by a temporary directory,
//     with per-key error injection
//   - SetupTestDatabase: connects to a scratch PostgreSQL database for the
//     postgres spool backend, skipping the test when none is configured
//
// Example usage:
//
//	func TestMyFunction(t *testing.T) {
//		bodies, err := testutils.NewFileBasedS3Mock(t.TempDir())
//		require.NoError(t, err)
//		ref, err := storage.PutContent(ctx, bodies, strings.NewReader(msg))
//		// ...
//	}
package testutils
