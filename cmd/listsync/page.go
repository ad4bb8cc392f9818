package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/listsync/internal/app"
	"github.com/foxzi/listsync/internal/cache"
	"github.com/foxzi/listsync/internal/config"
	"github.com/foxzi/listsync/internal/form"
	"github.com/foxzi/listsync/internal/metadata"
	"github.com/foxzi/listsync/internal/outbox"
	"github.com/foxzi/listsync/internal/page"
	"github.com/foxzi/listsync/internal/settings"
)

var pageListSite string

var pageCmd = &cobra.Command{
	Use:   "page",
	Short: "Page management commands",
}

var pageImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create or update pages from a YAML file",
	Long: `Create or update pages from a YAML file. Pages are matched by id, then
by slug within their site. A page with a "mapping" section gets its merge-field
mapping checked against the audience and stored.`,
	Args: cobra.ExactArgs(1),
	RunE: runPageImport,
}

var pageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pages",
	RunE:  runPageList,
}

func init() {
	pageListCmd.Flags().StringVar(&pageListSite, "site", "", "Filter by site ID")

	pageCmd.AddCommand(pageImportCmd, pageListCmd)
	rootCmd.AddCommand(pageCmd)
}

// pageFile is the layout of an import file
type pageFile struct {
	Pages []pageDefinition `yaml:"pages"`
}

type pageDefinition struct {
	page.Page `yaml:",inline"`

	// Mapping is merge tag -> form field name
	Mapping map[string]string `yaml:"mapping,omitempty"`
}

func readPageFile(path string) (*pageFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read page file: %w", err)
	}

	var f pageFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse page file: %w", err)
	}
	if len(f.Pages) == 0 {
		return nil, fmt.Errorf("no pages in %s", path)
	}
	return &f, nil
}

type pageImporter struct {
	pages *page.Store
	sites *settings.Store
	meta  *metadata.Client
}

func newPageImporter(cfg *config.Config, storage *outbox.BoltStorage) (*pageImporter, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	newClient := app.MailchimpFactory(cfg.Mailchimp, logger)

	pages, err := page.NewStore(storage.DB())
	if err != nil {
		return nil, err
	}
	sites, err := settings.NewStore(storage.DB(), func(apiKey string) settings.Pinger {
		return newClient(apiKey)
	}, cfg.Mailchimp.APIKey)
	if err != nil {
		return nil, err
	}
	meta := metadata.NewClient(cache.NewMemoryStore(0), func(apiKey string) metadata.API {
		return newClient(apiKey)
	}, logger)

	return &pageImporter{pages: pages, sites: sites, meta: meta}, nil
}

// importPage upserts one page and returns whether it already existed
func (im *pageImporter) importPage(ctx context.Context, def *pageDefinition) (bool, error) {
	p := def.Page
	p.MergeFieldsMapping = ""
	p.MergeFieldTypes = ""
	p.InterestCategories = ""
	p.Normalize()

	existing, err := im.pages.Get(ctx, p.ID)
	if err != nil {
		return false, err
	}
	if existing == nil && p.ID == "" {
		existing, err = im.pages.FindBySlug(ctx, p.SiteID, p.Slug)
		if err != nil {
			return false, err
		}
		if existing != nil {
			p.ID = existing.ID
		}
	}

	if err := im.pages.Save(ctx, &p); err != nil {
		return false, err
	}
	def.ID = p.ID

	if len(def.Mapping) > 0 {
		if err := im.saveMapping(ctx, &p, def.Mapping); err != nil {
			return existing != nil, fmt.Errorf("page %s saved, mapping rejected: %w", p.ID, err)
		}
	}
	return existing != nil, nil
}

func (im *pageImporter) saveMapping(ctx context.Context, p *page.Page, mapping map[string]string) error {
	if p.Kind != page.KindForm || !p.HasAudience() {
		return fmt.Errorf("only form pages with a list_id take a mapping")
	}

	site, err := im.sites.Resolve(ctx, p.SiteID)
	if err != nil {
		return err
	}
	mdSite := metadata.Site{ID: site.SiteID, APIKey: site.APIKey}

	mergeFields, err := im.meta.ListMergeFields(ctx, mdSite, p.ListID)
	if err != nil {
		return fmt.Errorf("%s: %w", metadata.UserMessage(err), err)
	}
	categories, err := im.meta.ListInterestCategories(ctx, mdSite, p.ListID)
	if err != nil {
		return fmt.Errorf("%s: %w", metadata.UserMessage(err), err)
	}

	values := form.Values{}
	for tag, field := range mapping {
		values[form.MappingInputName(tag)] = []string{field}
	}
	fields, errs := form.ParseMappingForm(mergeFields, p.FormFields, values)
	if errs.HasErrors() {
		return errs
	}

	return im.pages.SaveMapping(ctx, p.ID, fields, form.MergeTypes(mergeFields), categories)
}

func runPageImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	f, err := readPageFile(args[0])
	if err != nil {
		return err
	}

	storage, err := outbox.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer storage.Close()

	im, err := newPageImporter(cfg, storage)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var failed int
	for i := range f.Pages {
		def := &f.Pages[i]
		updated, err := im.importPage(ctx, def)
		if err != nil {
			failed++
			fmt.Printf("  ! %s: %v\n", valueOr(def.Title, fmt.Sprintf("page #%d", i+1)), err)
			continue
		}
		action := "created"
		if updated {
			action = "updated"
		}
		fmt.Printf("  %s %s (%s)\n", action, def.Title, def.ID)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d pages failed", failed, len(f.Pages))
	}
	fmt.Printf("\nImported %d pages\n", len(f.Pages))
	return nil
}

func runPageList(cmd *cobra.Command, args []string) error {
	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	pages, err := page.NewStore(storage.DB())
	if err != nil {
		return err
	}

	list, err := pages.List(context.Background(), page.ListFilter{SiteID: pageListSite})
	if err != nil {
		return fmt.Errorf("failed to list pages: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No pages")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSITE\tKIND\tTITLE\tLIST\tMAPPED")
	for _, p := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
			truncateID(p.ID),
			p.SiteID,
			p.Kind,
			p.Title,
			valueOr(p.ListID, "-"),
			p.Mapping().Usable(),
		)
	}
	return w.Flush()
}
