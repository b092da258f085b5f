package consts

// SpoolMigrationLockID is the PostgreSQL advisory lock taken while schema
// migrations run, so that only one spoold instance or admin tool migrates
// at a time.
const SpoolMigrationLockID = 58214093
