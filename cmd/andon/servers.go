package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/pbeaucage/AFL-andon/internal/config"
)

// serverCmd groups the launcher file editing commands
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Add, update, remove, or toggle servers in the launcher file",
}

var serverAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a server",
	Long: `Add a server record to the launcher file.

Examples:
  andon server add tiled --host lab1 --screen-name tiled --script "tiled serve config.yml"
  andon server add robot --host lab2 --screen-name robot --module afl.robot.server --env afl --active`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := loadStore()
		if err != nil {
			return err
		}
		spec, err := specFromFlags(cmd.Flags())
		if err != nil {
			return err
		}
		if err := store.Add(args[0], spec); err != nil {
			return err
		}
		if err := store.Save(); err != nil {
			return err
		}
		fmt.Printf("Added %s\n", args[0])
		return nil
	},
}

var serverUpdateCmd = &cobra.Command{
	Use:   "update <name>",
	Short: "Change fields of a server",
	Long: `Change the given fields of a server record. Setting --script clears the
module and setting --module clears the script.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := loadStore()
		if err != nil {
			return err
		}
		spec, err := specFromFlags(cmd.Flags())
		if err != nil {
			return err
		}
		patch := config.Patch{ServerSpec: spec}
		if cmd.Flags().Changed("active") {
			patch.Active = &spec.Active
		}
		if err := store.Update(args[0], patch); err != nil {
			return err
		}
		if err := store.Save(); err != nil {
			return err
		}
		fmt.Printf("Updated %s\n", args[0])
		return nil
	},
}

var serverRemoveCmd = &cobra.Command{
	Use:     "remove <name>",
	Aliases: []string{"rm"},
	Short:   "Remove a server",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := loadStore()
		if err != nil {
			return err
		}
		if err := store.Remove(args[0]); err != nil {
			return err
		}
		if err := store.Save(); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", args[0])
		return nil
	},
}

var serverToggleCmd = &cobra.Command{
	Use:   "toggle <name>",
	Short: "Flip whether a server is active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := loadStore()
		if err != nil {
			return err
		}
		active, err := store.ToggleActive(args[0])
		if err != nil {
			return err
		}
		if err := store.Save(); err != nil {
			return err
		}
		state := "inactive"
		if active {
			state = "active"
		}
		fmt.Printf("%s is now %s\n", args[0], state)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{serverAddCmd, serverUpdateCmd} {
		f := c.Flags()
		f.String("host", "", "SSH host, or container name for docker connections")
		f.String("username", "", "Login user")
		f.Int("port", 0, "SSH port (default 22)")
		f.String("screen-name", "", "Screen session name")
		f.String("script", "", "Command line started in the session")
		f.String("module", "", "Interpreter module started in the session")
		f.String("env", "", "Environment activated before the module")
		f.String("interpreter", "", "Interpreter for the module (default python)")
		f.String("activate", "", "Environment activation command (default conda activate)")
		f.String("shell", "", "Shell for module launches (default bash)")
		f.Int("http-port", 0, "Port of the server's HTTP API (default 5000)")
		f.String("connection", "", "Connection type: ssh, local, or docker")
		f.Bool("active", false, "Mark as a supervision target")
	}

	serverCmd.AddCommand(serverAddCmd, serverUpdateCmd, serverRemoveCmd, serverToggleCmd)
}

// specFromFlags builds a record from the server flags. Unset flags stay zero.
func specFromFlags(f *pflag.FlagSet) (config.ServerSpec, error) {
	var spec config.ServerSpec

	strs := []struct {
		flag string
		dst  *string
	}{
		{"host", &spec.Host},
		{"username", &spec.Username},
		{"screen-name", &spec.SessionName},
		{"script", &spec.Script},
		{"module", &spec.Module},
		{"env", &spec.Environment},
		{"interpreter", &spec.Interpreter},
		{"activate", &spec.Activate},
		{"shell", &spec.Shell},
		{"connection", &spec.Connection},
	}
	for _, s := range strs {
		v, err := f.GetString(s.flag)
		if err != nil {
			return spec, err
		}
		*s.dst = v
	}

	var err error
	if spec.Port, err = f.GetInt("port"); err != nil {
		return spec, err
	}
	if spec.HTTPPort, err = f.GetInt("http-port"); err != nil {
		return spec, err
	}
	if spec.Active, err = f.GetBool("active"); err != nil {
		return spec, err
	}
	return spec, nil
}

func loadStore() (*config.Store, error) {
	return config.LoadFile(configPath)
}

var importConfigCmd = &cobra.Command{
	Use:   "import-config <file>",
	Short: "Replace the launcher file with a copy of another",
	Long: `Validate the given launcher file and copy it over the configured one.
The current file is left untouched when the new one does not parse.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := config.NewStore(configPath)
		if err := store.Import(args[0]); err != nil {
			return err
		}
		fmt.Printf("Imported %d server(s) into %s\n", len(store.List()), store.Path())
		return nil
	},
}

var importKeyCmd = &cobra.Command{
	Use:   "import-key <file>",
	Short: "Install a private key for SSH",
	Long:  `Copy the given private key over the configured key path with mode 0600.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		cred, err := a.creds.Import(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Installed %s (%s)\n", cred.Path(), cred.Fingerprint())
		return nil
	},
}
