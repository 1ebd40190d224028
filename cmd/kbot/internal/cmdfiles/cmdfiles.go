// Package cmdfiles lists and uploads the gcode files and lists the macros.
package cmdfiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/rusq/klipperbot/cmd/kbot/internal/bootstrap"
	"github.com/rusq/klipperbot/cmd/kbot/internal/cfg"
	"github.com/rusq/klipperbot/cmd/kbot/internal/golang/base"
	"github.com/rusq/klipperbot/moonraker"
)

var CmdFiles = &base.Command{
	UsageLine: "kbot files",
	Short:     "list gcode files and their metadata",
	Long: `
Lists the files on the printer host, shows the slicer metadata and uploads
gcode files.
`,
	Commands: []*base.Command{cmdList, cmdMeta, cmdUpload},
}

var cmdList = &base.Command{
	Run:        runList,
	UsageLine:  "kbot files list [flags]",
	Short:      "list files, newest first",
	FlagMask:   cfg.OmitPowerFlags,
	PrintFlags: true,
	Long: `
Lists the files in the root, newest first.
`,
}

var cmdMeta = &base.Command{
	Run:        runMeta,
	UsageLine:  "kbot files meta [flags] <file>",
	Short:      "show the file metadata",
	FlagMask:   cfg.OmitPowerFlags,
	PrintFlags: true,
	Long: `
Shows the metadata that Moonraker extracted from the gcode file.
`,
}

var cmdUpload = &base.Command{
	Run:        runUpload,
	UsageLine:  "kbot files upload [flags] <file.gcode>",
	Short:      "upload a gcode file",
	FlagMask:   cfg.OmitPowerFlags,
	PrintFlags: true,
	Long: `
Uploads the gcode file to the gcodes root of the printer host.  With -print
the host starts printing the file once it is stored.
`,
}

var CmdMacros = &base.Command{
	Run:        runMacros,
	UsageLine:  "kbot macros [flags]",
	Short:      "list gcode macros",
	FlagMask:   cfg.OmitPowerFlags,
	PrintFlags: true,
	Long: `
Lists the gcode macros defined in the printer configuration.  Macros with
names starting with an underscore are hidden unless -all is given.
`,
}

var (
	root    string
	limit   int
	asJSON  bool
	showAll bool

	uploadDir   string
	uploadPrint bool
)

func init() {
	cmdList.Flag.StringVar(&root, "root", "gcodes", "file `root`")
	cmdList.Flag.IntVar(&limit, "n", 0, "show at most `n` files, 0 is unlimited")
	cmdMeta.Flag.BoolVar(&asJSON, "json", false, "print as JSON")
	CmdMacros.Flag.BoolVar(&showAll, "all", false, "include hidden macros")
	cmdUpload.Flag.StringVar(&uploadDir, "dir", "", "upload to the `directory` under the gcodes root")
	cmdUpload.Flag.BoolVar(&uploadPrint, "print", false, "start printing the file after the upload")
}

func runList(ctx context.Context, cmd *base.Command, args []string) error {
	if len(args) > 0 {
		base.SetExitStatus(base.SInvalidParameters)
		return fmt.Errorf("unexpected arguments: %v", args)
	}
	c, err := bootstrap.Client(ctx)
	if err != nil {
		return err
	}
	files, err := c.Files(ctx, root)
	if err != nil {
		return bootstrap.Exit(err)
	}
	return pterm.DefaultTable.WithHasHeader().WithData(fileTable(files, limit)).Render()
}

func fileTable(files []moonraker.File, n int) pterm.TableData {
	files = slices.Clone(files)
	slices.SortStableFunc(files, func(a, b moonraker.File) int {
		return b.ModTime().Compare(a.ModTime())
	})
	if n > 0 && len(files) > n {
		files = files[:n]
	}
	td := pterm.TableData{{"File", "Size", "Modified"}}
	for _, f := range files {
		td = append(td, []string{f.Path, size(f.Size), f.ModTime().Local().Format(time.DateTime)})
	}
	return td
}

func size(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func runMeta(ctx context.Context, cmd *base.Command, args []string) error {
	if len(args) != 1 {
		base.SetExitStatus(base.SInvalidParameters)
		return errors.New("expected exactly one file name")
	}
	c, err := bootstrap.Client(ctx)
	if err != nil {
		return err
	}
	md, err := c.FileMetadata(ctx, args[0])
	if err != nil {
		return bootstrap.Exit(err)
	}
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(md)
	}
	return pterm.DefaultTable.WithData(metaTable(md)).Render()
}

func metaTable(md moonraker.FileMetadata) pterm.TableData {
	td := pterm.TableData{
		{"File", md.Filename},
		{"Size", size(md.Size)},
	}
	if md.Slicer != "" {
		td = append(td, []string{"Slicer", md.Slicer + " " + md.SlicerVersion})
	}
	if md.EstimatedTime > 0 {
		td = append(td, []string{"Estimated time", md.EstimatedDuration().String()})
	}
	if md.LayerHeight > 0 {
		td = append(td, []string{"Layer height", fmt.Sprintf("%.2f mm", md.LayerHeight)})
	}
	if md.ObjectHeight > 0 {
		td = append(td, []string{"Object height", fmt.Sprintf("%.2f mm", md.ObjectHeight)})
	}
	if md.FilamentTotal > 0 {
		td = append(td, []string{"Filament", fmt.Sprintf("%.2f m", md.FilamentTotal/1000)})
	}
	if md.FilamentWeight > 0 {
		td = append(td, []string{"Filament weight", fmt.Sprintf("%.1f g", md.FilamentWeight)})
	}
	return td
}

func runUpload(ctx context.Context, cmd *base.Command, args []string) error {
	if len(args) != 1 {
		base.SetExitStatus(base.SInvalidParameters)
		return errors.New("expected exactly one file name")
	}
	name, err := uploadName(args[0])
	if err != nil {
		base.SetExitStatus(base.SInvalidParameters)
		return err
	}
	f, err := os.Open(args[0])
	if err != nil {
		base.SetExitStatus(base.SInvalidParameters)
		return err
	}
	defer f.Close()

	d, err := bootstrap.Dialer()
	if err != nil {
		return err
	}
	spin, _ := pterm.DefaultSpinner.WithRemoveWhenDone(true).Start("Uploading " + name)
	res, err := d.Upload(ctx, moonraker.Upload{
		Name:  name,
		Dir:   uploadDir,
		Print: uploadPrint,
		Body:  f,
	})
	if spin != nil {
		spin.Stop()
	}
	if err != nil {
		return bootstrap.Exit(err)
	}
	pterm.Success.Printfln("uploaded %s/%s", res.Item.Root, res.Item.Path)
	if res.PrintStarted {
		pterm.Info.Println("print started")
	}
	return nil
}

// uploadName returns the name of the file on the host.  Only gcode files
// are accepted.
func uploadName(path string) (string, error) {
	name := filepath.Base(path)
	if !strings.EqualFold(filepath.Ext(name), ".gcode") {
		return "", fmt.Errorf("not a gcode file: %s", name)
	}
	return name, nil
}

func runMacros(ctx context.Context, cmd *base.Command, args []string) error {
	if len(args) > 0 {
		base.SetExitStatus(base.SInvalidParameters)
		return fmt.Errorf("unexpected arguments: %v", args)
	}
	c, err := bootstrap.Client(ctx)
	if err != nil {
		return err
	}
	macros, err := c.Macros(ctx, showAll)
	if err != nil {
		return bootstrap.Exit(err)
	}
	for _, m := range macros {
		fmt.Println(m)
	}
	return nil
}
