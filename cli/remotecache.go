package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"forge.build/remotecache"
)

var (
	remoteCachePort   int
	remoteCacheAPIKey string
)

var remoteCacheCmd = &cobra.Command{
	Use:   "remote-cache",
	Short: "serve this cache's content store over HTTP for other builds to share",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return configErr(err)
		}
		store, err := openStore(settings.CacheDir, macKeyFromHex(settings.MACKeyHex))
		if err != nil {
			return configErr(err)
		}
		defer store.Close()

		cfg := remotecache.DefaultServerConfig()
		if remoteCachePort != 0 {
			cfg.Port = remoteCachePort
		}
		cfg.APIKey = remoteCacheAPIKey

		srv := remotecache.New(store, cfg)
		fmt.Printf("remote cache listening on :%d\n", cfg.Port)
		if err := srv.Start(); err != nil {
			return &CLIError{Code: ExitInternalError, Err: err}
		}
		return nil
	},
}

func init() {
	remoteCacheCmd.Flags().IntVar(&remoteCachePort, "port", 0, "HTTP port (default 8081)")
	remoteCacheCmd.Flags().StringVar(&remoteCacheAPIKey, "api-key", "", "require this API key on X-Api-Key")
}
