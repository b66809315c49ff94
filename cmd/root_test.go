package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootCmdRegistersCrawl(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	crawl, _, err := root.Find([]string{"crawl"})
	require.NoError(t, err)
	require.Equal(t, "crawl", crawl.Name())
	require.NotNil(t, root.PersistentFlags().Lookup("config"))
	require.NotNil(t, root.PersistentFlags().Lookup("env-file"))
}

func TestCrawlFailsOnInvalidConfig(t *testing.T) {
	t.Setenv("HARVESTER_CRAWLER_WORKERS", "0")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"crawl", "--env-file", ""})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "crawler.workers")
}

func TestResolveRuntimeRequiresPreRun(t *testing.T) {
	t.Parallel()

	_, err := resolveRuntime(context.Background())
	require.Error(t, err)
}
