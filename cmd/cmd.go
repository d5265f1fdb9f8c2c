package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ollama/stylize/api"
	"github.com/ollama/stylize/assets"
	"github.com/ollama/stylize/catalog"
	"github.com/ollama/stylize/envconfig"
	"github.com/ollama/stylize/format"
	"github.com/ollama/stylize/ml/backend/native"
	"github.com/ollama/stylize/model/imageproc"
	"github.com/ollama/stylize/progress"
	"github.com/ollama/stylize/server"
	"github.com/ollama/stylize/stylize"
	"github.com/ollama/stylize/version"

	_ "github.com/ollama/stylize/ml/backend"
)

func RunServer(cmd *cobra.Command, _ []string) error {
	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return err
	}

	return server.Serve(ln)
}

// styleSource reads the --style flag. A path to an existing file is used
// as-is; anything else names an entry in the style catalog.
func styleSource(name string) (file []byte, catalogName string, err error) {
	if name == "" {
		return nil, "", errors.New("--style is required")
	}

	bts, err := os.ReadFile(name)
	switch {
	case err == nil:
		return bts, "", nil
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrInvalid):
		return nil, name, nil
	default:
		return nil, "", err
	}
}

func outputPath(content, output string) string {
	if output != "" {
		return output
	}

	base := filepath.Base(content)
	return strings.TrimSuffix(base, filepath.Ext(base)) + "-stylized.png"
}

func RunHandler(cmd *cobra.Command, args []string) error {
	styleFlag, err := cmd.Flags().GetString("style")
	if err != nil {
		return err
	}

	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}

	remote, err := cmd.Flags().GetBool("remote")
	if err != nil {
		return err
	}

	threads, err := cmd.Flags().GetInt("threads")
	if err != nil {
		return err
	}

	content, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	styleFile, styleName, err := styleSource(styleFlag)
	if err != nil {
		return err
	}

	output = outputPath(args[0], output)
	outputFormat := imageproc.FormatFromPath(output)
	if outputFormat != "png" && outputFormat != "jpeg" {
		return fmt.Errorf("unsupported output format %q", outputFormat)
	}

	p := progress.NewProgress(os.Stderr)
	defer p.StopAndClear()

	spinner := progress.NewSpinner("loading models")
	p.Add(spinner)

	var b bytes.Buffer
	if remote {
		err = runRemote(cmd.Context(), spinner, &b, &api.StylizeRequest{
			Content:    content,
			Style:      styleName,
			StyleImage: styleFile,
			Format:     outputFormat,
		})
	} else {
		err = runLocal(cmd.Context(), spinner, &b, content, styleFile, styleName, outputFormat, threads)
	}
	if err != nil {
		return err
	}

	if err := os.WriteFile(output, b.Bytes(), 0o644); err != nil {
		return err
	}

	spinner.Stop()
	p.StopAndClear()
	fmt.Fprintf(os.Stderr, "wrote %s in %s\n", output, format.Latency(spinner.Elapsed()))
	return nil
}

func runLocal(ctx context.Context, spinner *progress.Spinner, w io.Writer, content, styleFile []byte, styleName, outputFormat string, threads int) error {
	contentImage, _, err := imageproc.Decode(bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("content image: %w", err)
	}

	var styleImage image.Image
	if styleFile != nil {
		styleImage, _, err = imageproc.Decode(bytes.NewReader(styleFile))
	} else {
		styleImage, err = catalog.Open(envconfig.Styles()).Load(styleName)
	}
	if err != nil {
		return fmt.Errorf("style image: %w", err)
	}

	engine := stylize.New(ctx, &assets.DirStore{Root: envconfig.Models()}, stylize.Options{NumThreads: threads})
	defer engine.Close()

	if err := engine.Err(); err != nil {
		return fmt.Errorf("%w (run 'stylize create' to generate models in %s)", err, envconfig.Models())
	}

	spinner.SetMessage("stylizing")
	engine.SetStyleImage(styleImage)
	out, err := engine.Transfer(contentImage)
	if err != nil {
		return err
	}

	return imageproc.Encode(w, out, outputFormat)
}

func runRemote(ctx context.Context, spinner *progress.Spinner, w io.Writer, req *api.StylizeRequest) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	spinner.SetMessage("stylizing")
	resp, err := client.Stylize(ctx, req)
	if err != nil {
		return err
	}

	_, err = w.Write(resp.Image)
	return err
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func listStyles(ctx context.Context, remote bool) ([]api.StyleResponse, error) {
	if remote {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, err
		}

		resp, err := client.Styles(ctx)
		if err != nil {
			return nil, err
		}
		return resp.Styles, nil
	}

	styles, err := catalog.Open(envconfig.Styles()).List()
	if err != nil {
		return nil, err
	}

	var resp []api.StyleResponse
	for _, s := range styles {
		resp = append(resp, api.StyleResponse{
			Name:       s.Name,
			Format:     s.Format,
			Size:       s.Size,
			Width:      s.Width,
			Height:     s.Height,
			ModifiedAt: s.ModifiedAt,
		})
	}
	return resp, nil
}

func StylesHandler(cmd *cobra.Command, args []string) error {
	remote, err := cmd.Flags().GetBool("remote")
	if err != nil {
		return err
	}

	styles, err := listStyles(cmd.Context(), remote)
	if err != nil {
		return err
	}

	var data [][]string
	for _, s := range styles {
		if len(args) == 0 || strings.HasPrefix(s.Name, args[0]) {
			data = append(data, []string{s.Name, format.Dimensions(s.Width, s.Height), format.HumanBytes(s.Size), format.HumanTime(s.ModifiedAt, "Never")})
		}
	}

	table := newTable(cmd.OutOrStdout(), "NAME", "DIMENSIONS", "SIZE", "MODIFIED")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func ShowHandler(cmd *cobra.Command, args []string) error {
	remote, err := cmd.Flags().GetBool("remote")
	if err != nil {
		return err
	}

	styles, err := listStyles(cmd.Context(), remote)
	if err != nil {
		return err
	}

	for _, s := range styles {
		if s.Name != args[0] {
			continue
		}

		table := newTable(cmd.OutOrStdout())
		table.SetHeader(nil)
		table.AppendBulk([][]string{
			{"name", s.Name},
			{"format", s.Format},
			{"dimensions", format.Dimensions(s.Width, s.Height)},
			{"size", format.HumanBytes(s.Size)},
			{"modified", s.ModifiedAt.Format(time.RFC3339)},
		})
		table.Render()
		return nil
	}

	return fmt.Errorf("%w: %s", catalog.ErrStyleNotFound, args[0])
}

func ModelsHandler(cmd *cobra.Command, args []string) error {
	remote, err := cmd.Flags().GetBool("remote")
	if err != nil {
		return err
	}

	var models []api.ModelResponse
	state := ""
	if remote {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return err
		}

		resp, err := client.Models(cmd.Context())
		if err != nil {
			return err
		}

		models, state = resp.Models, resp.State
	} else {
		list, err := (&assets.DirStore{Root: envconfig.Models()}).List()
		if err != nil {
			return err
		}

		for _, a := range list {
			models = append(models, api.ModelResponse{Name: a.Name, File: a.File, Backend: a.Backend, Size: a.Size})
		}
	}

	var data [][]string
	for _, m := range models {
		data = append(data, []string{m.Name, m.File, m.Backend, format.HumanBytes(m.Size)})
	}

	table := newTable(cmd.OutOrStdout(), "NAME", "FILE", "BACKEND", "SIZE")
	table.AppendBulk(data)
	table.Render()

	if state != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "\nengine: %s\n", state)
	}
	return nil
}

func CreateHandler(cmd *cobra.Command, args []string) error {
	var opts native.CreateOptions
	var err error

	flags := cmd.Flags()
	if opts.Seed, err = flags.GetUint64("seed"); err != nil {
		return err
	}
	if opts.Hidden, err = flags.GetInt("hidden"); err != nil {
		return err
	}
	if opts.Height, err = flags.GetInt("height"); err != nil {
		return err
	}
	if opts.Width, err = flags.GetInt("width"); err != nil {
		return err
	}
	if opts.DType, err = flags.GetString("dtype"); err != nil {
		return err
	}

	arch := args[0]
	path := filepath.Join(envconfig.Models(), arch+native.Extension)
	if len(args) > 1 {
		path = args[1]
	}

	f, err := native.Create(arch, opts)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	w, err := os.Create(path)
	if err != nil {
		return err
	}
	defer w.Close()

	n, err := native.Write(w, f)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s)\n", path, format.HumanBytes(n))
	return w.Close()
}

func versionHandler(cmd *cobra.Command, _ []string) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return
	}

	serverVersion, err := client.Version(cmd.Context())
	if err != nil {
		fmt.Println("Warning: could not connect to a running stylize instance")
	}

	if serverVersion != "" {
		fmt.Printf("stylize version is %s\n", serverVersion)
	}

	if serverVersion != version.Version {
		fmt.Printf("Warning: client version is %s\n", version.Version)
	}
}

func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "stylize",
		Short:         "Arbitrary image style transfer",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start stylize",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}

	runCmd := &cobra.Command{
		Use:   "run CONTENT",
		Short: "Apply a style to an image",
		Args:  cobra.ExactArgs(1),
		RunE:  RunHandler,
	}

	runCmd.Flags().StringP("style", "s", "", "Style name from the catalog or path to a style image")
	runCmd.Flags().StringP("output", "o", "", "Output file; .png or .jpg (default \"<content>-stylized.png\")")
	runCmd.Flags().Int("threads", int(envconfig.NumThreads()), "Number of inference threads")
	runCmd.Flags().Bool("remote", false, "Run on the server at STYLIZE_HOST")

	stylesCmd := &cobra.Command{
		Use:     "styles [PREFIX]",
		Aliases: []string{"ls"},
		Short:   "List styles",
		Args:    cobra.MaximumNArgs(1),
		RunE:    StylesHandler,
	}

	showCmd := &cobra.Command{
		Use:   "show STYLE",
		Short: "Show information for a style",
		Args:  cobra.ExactArgs(1),
		RunE:  ShowHandler,
	}

	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "List model assets",
		Args:  cobra.ExactArgs(0),
		RunE:  ModelsHandler,
	}

	for _, cmd := range []*cobra.Command{stylesCmd, showCmd, modelsCmd} {
		cmd.Flags().Bool("remote", false, "Query the server at STYLIZE_HOST")
	}

	createCmd := &cobra.Command{
		Use:   "create ARCH [FILE]",
		Short: "Generate a model asset with seeded random weights",
		Long: fmt.Sprintf("Generate a model asset with seeded random weights. ARCH is %q or %q; FILE defaults to ARCH%s in the models directory.",
			native.ArchStylePredict, native.ArchStyleTransfer, native.Extension),
		Args: cobra.RangeArgs(1, 2),
		RunE: CreateHandler,
	}

	createCmd.Flags().Uint64("seed", 0, "Random seed")
	createCmd.Flags().Int("hidden", 0, "Hidden feature width (default 8)")
	createCmd.Flags().Int("height", 0, "Input height (default depends on ARCH)")
	createCmd.Flags().Int("width", 0, "Input width (default depends on ARCH)")
	createCmd.Flags().String("dtype", native.DTypeF32, fmt.Sprintf("Weight type: %s, %s or %s", native.DTypeF32, native.DTypeF16, native.DTypeBF16))

	envVars := envconfig.AsMap()
	appendEnvDocs(serveCmd, []envconfig.EnvVar{
		envVars["STYLIZE_DEBUG"],
		envVars["STYLIZE_HOST"],
		envVars["STYLIZE_ORIGINS"],
		envVars["STYLIZE_MODELS"],
		envVars["STYLIZE_STYLES"],
		envVars["STYLIZE_NUM_THREADS"],
		envVars["STYLIZE_MAX_QUEUE"],
		envVars["STYLIZE_CACHE_STYLE"],
	})
	appendEnvDocs(runCmd, []envconfig.EnvVar{envVars["STYLIZE_HOST"], envVars["STYLIZE_MODELS"], envVars["STYLIZE_STYLES"], envVars["STYLIZE_NUM_THREADS"]})
	appendEnvDocs(createCmd, []envconfig.EnvVar{envVars["STYLIZE_MODELS"]})

	rootCmd.AddCommand(
		serveCmd,
		runCmd,
		stylesCmd,
		showCmd,
		modelsCmd,
		createCmd,
	)

	return rootCmd
}

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}
