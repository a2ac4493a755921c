package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gaborcsardi/mirai/pkg/dispatch"
	"github.com/gaborcsardi/mirai/pkg/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type profileStatus struct {
	Profile     string                  `json:"profile"`
	Connections int                     `json:"connections"`
	Daemons     []dispatch.DaemonRecord `json:"daemons"`
	URLs        []string                `json:"urls"`
	Pending     int                     `json:"pending"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connections and the daemon matrix of each profile",
	Run: func(cmd *cobra.Command, args []string) {
		uri := viper.GetString("uri") + "/status"

		response, err := http.Get(uri)
		if err != nil {
			log.Fatal(err)
		}
		defer response.Body.Close()

		if response.StatusCode >= 400 {
			log.Fatal(response.Status)
		}

		body, err := io.ReadAll(response.Body)
		if err != nil {
			log.Fatal(err)
		}

		statuses := map[string]*profileStatus{}
		if err := json.Unmarshal(body, &statuses); err != nil {
			log.Fatal(err)
		}

		for name, status := range statuses {
			fmt.Printf("%s: connections: %d, pending: %d\n", name, status.Connections, status.Pending)
			for _, record := range status.Daemons {
				fmt.Printf("  [%d] online: %d, instance: %d, assigned: %d, complete: %d, url: %s\n",
					record.Index, record.Online, record.Instance,
					record.Assigned, record.Complete, record.URL)
			}
			if len(status.Daemons) == 0 {
				for _, url := range status.URLs {
					fmt.Printf("  %s\n", url)
				}
			}
		}
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Dump host metrics",
	Run: func(cmd *cobra.Command, args []string) {
		uri := viper.GetString("uri") + "/metrics"

		response, err := http.Get(uri)
		if err != nil {
			log.Fatal(err)
		}
		defer response.Body.Close()

		body, err := io.ReadAll(response.Body)
		if err != nil {
			log.Fatal(err)
		}

		fmt.Print(string(body))
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(metricsCmd)
}
