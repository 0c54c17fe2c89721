package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

type providerStatusRow struct {
	Connected         bool       `json:"connected"`
	TokenExpired      bool       `json:"tokenExpired"`
	ReconnectRequired bool       `json:"reconnectRequired"`
	Connecting        bool       `json:"connecting"`
	LastSyncedAt      *time.Time `json:"lastSynced"`
	Warning           string     `json:"warning"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show provider connection status",
	RunE: func(cmd *cobra.Command, args []string) error {
		refresh, _ := cmd.Flags().GetBool("refresh")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/api/status"
		if refresh {
			path += "?refresh=true"
		}
		resp, err := client.get(path)
		if err != nil {
			return err
		}

		var data struct {
			Providers     map[string]providerStatusRow `json:"providers"`
			LastRefreshed time.Time                    `json:"lastRefreshed"`
		}
		if err := decodeData(resp, &data); err != nil {
			return err
		}

		ids := make([]string, 0, len(data.Providers))
		for id := range data.Providers {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			row := data.Providers[id]
			switch {
			case row.ReconnectRequired:
				printStatus(id, "connection expired — run `twinhub connect %s --reconnect`", id)
			case row.Connected:
				synced := "never synced"
				if row.LastSyncedAt != nil {
					synced = "last synced " + row.LastSyncedAt.Local().Format(time.RFC822)
				}
				printStatus(id, "connected (%s)", synced)
			case row.Connecting:
				printStatus(id, "connecting...")
			case row.Warning != "":
				printStatus(id, "unavailable: %s", row.Warning)
			default:
				printStatus(id, "not connected")
			}
		}
		if !data.LastRefreshed.IsZero() {
			fmt.Println()
			printStatus("Refreshed", "%s", data.LastRefreshed.Local().Format(time.RFC822))
		}
		return nil
	},
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List the provider catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/api/providers")
		if err != nil {
			return err
		}

		var providers []struct {
			ID          string   `json:"id"`
			DisplayName string   `json:"display_name"`
			Categories  []string `json:"categories"`
			Sensitivity string   `json:"sensitivity"`
		}
		if err := decodeData(resp, &providers); err != nil {
			return err
		}

		for _, p := range providers {
			printStatus(p.ID, "%s  [%s, %v]", p.DisplayName, p.Sensitivity, p.Categories)
		}
		return nil
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect <provider>",
	Short: "Launch the OAuth consent flow for a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := args[0]
		reconnect, _ := cmd.Flags().GetBool("reconnect")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		action := "connect"
		if reconnect {
			action = "reconnect"
		}
		resp, err := client.post(fmt.Sprintf("/api/connectors/%s/%s", provider, action), nil)
		if err != nil {
			return err
		}

		var launch struct {
			Provider    string `json:"provider"`
			RedirectURL string `json:"redirectUrl"`
			DirectMode  bool   `json:"directMode"`
		}
		if err := decodeData(resp, &launch); err != nil {
			return err
		}

		if launch.RedirectURL == "" {
			printSuccess("%s accepted the request; status will refresh shortly", launch.Provider)
			return nil
		}
		printSuccess("Consent flow ready for %s", launch.Provider)
		fmt.Println(launch.RedirectURL)
		printWarning("Open the URL above in a browser to finish connecting")
		return nil
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <provider>",
	Short: "Remove a provider connection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete("/api/connectors/" + args[0])
		if err != nil {
			return err
		}
		if err := decodeData(resp, nil); err != nil {
			return err
		}
		printSuccess("Disconnected %s", args[0])
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("refresh", false, "force a status refetch from the backend")
	connectCmd.Flags().Bool("reconnect", false, "drop the stale connection first (expired tokens)")
}
