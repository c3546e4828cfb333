package main

import (
	"github.com/spf13/cobra"

	"github.com/iot-go-sdk/otaengine/pkg/misc"
)

var (
	miscPath    string
	miscCommand string
	miscUpdate  string

	miscCmd = &cobra.Command{
		Use:   "misc",
		Short: "Read or write the boot command record of the misc partition",
	}

	miscReadCmd = &cobra.Command{
		Use:   "read",
		Short: "Print the boot command record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := misc.ReadUpdaterMessage(miscDevice())
			if err != nil {
				return err
			}
			cmd.Printf("command: %s\nupdate:  %s\n", msg.CommandString(), msg.UpdateString())
			return nil
		},
	}

	miscWriteCmd = &cobra.Command{
		Use:   "write",
		Short: "Write a boot command record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := misc.NewUpdateMessage(miscCommand, miscUpdate)
			if err != nil {
				return err
			}
			return misc.WriteUpdaterMessage(miscDevice(), msg)
		},
	}

	rebootCmd = &cobra.Command{
		Use:   "reboot",
		Short: "Reboot into the updater",
	}

	rebootInstallCmd = &cobra.Command{
		Use:   "install <package>",
		Short: "Install a package on the next boot and reboot now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return misc.RebootAndInstallUpgradePackage(rebooter(), miscDevice(), args[0])
		},
	}

	rebootCleanCmd = &cobra.Command{
		Use:   "clean <updater-command>",
		Short: "Reboot into the updater with a data wipe command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return misc.RebootAndCleanUserData(rebooter(), miscDevice(), args[0])
		},
	}
)

func init() {
	for _, c := range []*cobra.Command{miscCmd, rebootCmd} {
		c.PersistentFlags().StringVar(&miscPath, "misc", "", "misc partition or file, defaults to the configured device")
	}
	miscWriteCmd.Flags().StringVar(&miscCommand, "command", misc.CommandBootUpdater, "boot command")
	miscWriteCmd.Flags().StringVar(&miscUpdate, "update", "", "updater argument")

	miscCmd.AddCommand(miscReadCmd, miscWriteCmd)
	rebootCmd.AddCommand(rebootInstallCmd, rebootCleanCmd)
}

func miscDevice() string {
	if miscPath != "" {
		return miscPath
	}
	return cfg.Paths.MiscDevice
}
