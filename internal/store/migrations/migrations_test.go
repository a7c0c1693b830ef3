package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(test *testing.T) {
	test.Parallel()
	names, err := fs.Glob(Files(), "*.sql")
	require.NoError(test, err)
	require.NotEmpty(test, names)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, name := range names {
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			test.Fatalf("unexpected migration file %s", name)
		}
	}
	require.Equal(test, ups, downs)
	require.Len(test, ups, 5)
}

func TestEmbeddedSourceReadsFirstVersion(test *testing.T) {
	test.Parallel()
	source, err := iofs.New(files, "sql")
	require.NoError(test, err)
	defer source.Close()

	first, err := source.First()
	require.NoError(test, err)
	require.Equal(test, uint(1), first)
	next, err := source.Next(first)
	require.NoError(test, err)
	require.Equal(test, uint(2), next)
}

func TestSchemaCarriesIdempotencyIndexes(test *testing.T) {
	test.Parallel()
	ledger, err := fs.ReadFile(Files(), "000002_ledger_entries.up.sql")
	require.NoError(test, err)
	require.Contains(test, string(ledger), "CREATE UNIQUE INDEX IF NOT EXISTS uniq_ledger_entry_key ON ledger_entries (user_id, type, source, ref_id)")

	usage, err := fs.ReadFile(Files(), "000003_usage_records.up.sql")
	require.NoError(test, err)
	require.Contains(test, string(usage), "uniq_usage_turn")
}

func TestURLForMigrate(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		url  string
		want string
	}{
		{name: "with sslmode", url: "postgres://host/db?sslmode=require", want: "postgres://host/db?sslmode=require"},
		{name: "without query", url: "postgres://host/db", want: "postgres://host/db?sslmode=disable"},
		{name: "with query", url: "postgres://host/db?application_name=walletd", want: "postgres://host/db?application_name=walletd&sslmode=disable"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			require.Equal(test, testCase.want, URLForMigrate(testCase.url))
		})
	}
}
