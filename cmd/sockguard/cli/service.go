package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tkingovr/sockguard/internal/service"
)

var serviceKind string

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Install sockguard as a background service",
}

var serviceRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Write a systemd user unit or launchd agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := service.ParseKind(serviceKind)
		if err != nil {
			return err
		}
		exe, err := os.Executable()
		if err != nil {
			return err
		}
		path, activate, err := service.Register(kind, exe, cfgFile)
		if err != nil {
			return err
		}
		fmt.Printf("wrote %s\nactivate with: %s\n", path, activate)
		return nil
	},
}

var serviceUnregisterCmd = &cobra.Command{
	Use:   "unregister",
	Short: "Remove the installed service definition",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := service.ParseKind(serviceKind)
		if err != nil {
			return err
		}
		path, err := service.Unregister(kind)
		if err != nil {
			return err
		}
		if path == "" {
			fmt.Println("nothing to remove")
			return nil
		}
		fmt.Printf("removed %s\n", path)
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the service definition is installed",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := service.ParseKind(serviceKind)
		if err != nil {
			return err
		}
		path, err := service.UnitPath(kind)
		if err != nil {
			return err
		}
		ok, err := service.Registered(kind)
		if err != nil {
			return err
		}
		if ok {
			fmt.Printf("registered (%s)\n", path)
		} else {
			fmt.Printf("not registered (would write %s)\n", path)
		}
		return nil
	},
}

func init() {
	serviceCmd.PersistentFlags().StringVar(&serviceKind, "kind", "", "service kind: systemd or launchd (default: detect)")
	serviceCmd.AddCommand(serviceRegisterCmd, serviceUnregisterCmd, serviceStatusCmd)
	rootCmd.AddCommand(serviceCmd)
}
