package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cyberinferno/genie-upload/catalog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultRecentLimit = 20

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List recently completed uploads",
	Long: `List recently completed uploads, newest first, as JSON lines. The catalog is
either a shared redis catalog (redis://host:port/db) or the admin address of a
running daemon (http://host:port), which serves its in-memory catalog on /recent.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		backend := viper.GetString("catalog")
		limit := viper.GetInt("limit")

		var (
			entries []catalog.Entry
			err     error
		)
		switch {
		case strings.HasPrefix(backend, "http://"), strings.HasPrefix(backend, "https://"):
			entries, err = fetchRecent(ctx, backend, limit)
		case strings.HasPrefix(backend, "redis://"), strings.HasPrefix(backend, "rediss://"):
			entries, err = readRecent(ctx, backend, limit)
		default:
			return fmt.Errorf("unsupported catalog %q: use redis://... or the daemon admin address http://host:port", backend)
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}

		return nil
	},
}

func init() {
	f := recentCmd.Flags()
	f.String("catalog", "redis://127.0.0.1:6379/0", "redis catalog URL or daemon admin address (http://host:port)")
	f.Int("limit", defaultRecentLimit, "maximum number of entries to print")
}

func readRecent(ctx context.Context, backend string, limit int) ([]catalog.Entry, error) {
	cat, err := catalog.Open(backend, 0)
	if err != nil {
		return nil, err
	}
	if closer, ok := cat.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	return cat.Recent(ctx, limit)
}

func fetchRecent(ctx context.Context, admin string, limit int) ([]catalog.Entry, error) {
	u, err := url.Parse(strings.TrimSuffix(admin, "/") + "/recent")
	if err != nil {
		return nil, fmt.Errorf("invalid admin address %q: %w", admin, err)
	}
	u.RawQuery = url.Values{"limit": {strconv.Itoa(limit)}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch recent uploads: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch recent uploads: %s", resp.Status)
	}

	var entries []catalog.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode recent uploads: %w", err)
	}

	return entries, nil
}
