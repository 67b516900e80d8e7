package cmd

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/gophertribe/devtool/build"
)

const (
	cliPackage    = "./cmd/eeprom"
	configPackage = "github.com/mklimuk/memory/pkg/config"
	buildImage    = "gophertribe/gobuild:1.25-bookworm"
)

// BuildCmd builds the eeprom cli. The MCP2221 adapter talks to hidapi through cgo, so foreign
// targets are built inside the cross-compiling docker image.
func BuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the eeprom cli",
		RunE: func(cmd *cobra.Command, args []string) error {
			goos := cmd.Flag("os").Value.String()
			arch := cmd.Flag("arch").Value.String()
			version := cmd.Flag("version").Value.String()
			crossOs := cmd.Flag("cross-os").Value.String()
			crossArch := cmd.Flag("cross-arch").Value.String()

			if goos == runtime.GOOS && arch == runtime.GOARCH {
				if crossOs != "" && crossArch != "" {
					goos = crossOs
					arch = crossArch
				}
				return buildCLI(version, goos, arch)
			}

			noCache, err := cmd.Flags().GetBool("no-cache")
			if err != nil {
				return fmt.Errorf("could not get no-cache flag: %w", err)
			}
			slog.Info("building in docker", "os", goos, "arch", arch, "image", buildImage)
			return build.Docker(cmd.Context(), fmt.Sprintf("./dev-%s-%s", goos, arch), []string{"build", "--version", version, "--cross-os", crossOs, "--cross-arch", crossArch}, build.DockerBuildOpts{
				NoCache: noCache,
				Image:   buildImage,
			})
		},
	}
	cmd.Flags().Bool("no-cache", false, "do not use cache when building the app")
	cmd.Flags().String("version", "latest", "version of the cli")
	cmd.Flags().String("os", runtime.GOOS, "os to build for")
	cmd.Flags().String("arch", runtime.GOARCH, "arch to build for")
	cmd.Flags().String("cross-os", "", "os to cross-compile for")
	cmd.Flags().String("cross-arch", "", "arch to cross-compile for")

	return cmd
}

func buildCLI(version, goos, arch string) error {
	out := "dist/eeprom"
	if goos != runtime.GOOS || arch != runtime.GOARCH {
		out = fmt.Sprintf("dist/eeprom-%s-%s", goos, arch)
	}
	slog.Info("building eeprom cli", "version", version, "os", goos, "arch", arch, "output", out)
	return build.GoBuild(out, cliPackage, build.GoBuildOpts{
		Version:       version,
		InjectVersion: true,
		ConfigPackage: configPackage,
		EnableCgo:     true,
		Arch:          arch,
		OS:            goos,
	})
}
