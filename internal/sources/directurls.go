package sources

import "context"

// DirectURLs serves a curated list of verified document URLs: the core
// indictments, reports and released records with stable locations.
type DirectURLs struct{}

var curatedDocuments = []Item{
	{
		URL:      "https://www.justice.gov/usao-sdny/press-release/file/1180481/download",
		SourceID: "sdny-indictment",
		Filename: "epstein-sdny-indictment-2019.pdf",
		Title:    "SDNY Indictment of Jeffrey Epstein (2019)",
	},
	{
		URL:      "https://www.justice.gov/usao-sdny/press-release/file/1291481/download",
		SourceID: "maxwell-indictment",
		Filename: "maxwell-indictment-2020.pdf",
		Title:    "Indictment of Ghislaine Maxwell (2020)",
	},
	{
		URL:      "https://www.justice.gov/usao-sdny/press-release/file/1380016/download",
		SourceID: "maxwell-superseding",
		Filename: "maxwell-superseding-indictment-2021.pdf",
		Title:    "Superseding Indictment of Ghislaine Maxwell (2021)",
	},
	{
		URL:      "https://oig.justice.gov/sites/default/files/reports/24-043.pdf",
		SourceID: "bop-death-report",
		Filename: "doj-oig-epstein-death-report.pdf",
		Title:    "DOJ OIG Report on Epstein Death at MCC",
	},
	{
		URL:      "https://assets.documentcloud.org/documents/1507315/epstein-flight-manifests.pdf",
		SourceID: "flight-logs",
		Filename: "epstein-flight-manifests.pdf",
		Title:    "Epstein Flight Manifests / Logs",
	},
	{
		URL:      "https://assets.documentcloud.org/documents/1508273/jeffrey-epsteins-little-black-book-redacted.pdf",
		SourceID: "black-book",
		Filename: "epstein-little-black-book-redacted.pdf",
		Title:    "Jeffrey Epstein's Little Black Book (Redacted)",
	},
	{
		URL:      "https://assets.documentcloud.org/documents/6250552/Epstein-Police-Report.pdf",
		SourceID: "pb-police-report",
		Filename: "epstein-palm-beach-police-report.pdf",
		Title:    "Palm Beach Police Report - Jeffrey Epstein",
	},
	{
		URL:      "https://assets.documentcloud.org/documents/1508967/non-prosecution-agreement.pdf",
		SourceID: "npa-2007",
		Filename: "epstein-non-prosecution-agreement-2007.pdf",
		Title:    "Epstein Non-Prosecution Agreement (2007)",
	},
}

func (*DirectURLs) Name() string { return "direct_urls" }

func (*DirectURLs) Discover(ctx context.Context, env *Env, emit func(Item) error) error {
	for _, doc := range curatedDocuments {
		if err := emit(doc); err != nil {
			return err
		}
	}
	return nil
}
