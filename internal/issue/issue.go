// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"maps"
	"slices"

	"github.com/charmbracelet/glamour"
)

type Id int

const (
	CacheInitFailedId Id = iota + 1
	RefNotFoundId
	ConfigLoadFailedId
	ProxyStartFailedId
	EngineNotFoundId
	BuildFailedId
	BomMismatchId
	BomUnreadableId
)

type MarkdownMsg string

type HttpLink string

type Issue struct {
	id       Id          // ID used to lookup the issue
	mdMsg    MarkdownMsg // Markdown text that will be rendered
	docLinks []HttpLink
	extLinks []HttpLink // external links that might be useful for the user
}

func (i *Issue) Id() Id {
	return i.id
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

// Render renders the issue markdown with the given glamour style
// ("dark", "light", "notty", ...).
func (i *Issue) Render(stylePath string) (string, error) {
	extraMd := ""
	if len(i.docLinks) > 0 || len(i.extLinks) > 0 {
		extraMd += "\n\n## See also\n"
		for _, link := range i.docLinks {
			extraMd += "- <" + string(link) + ">\n"
		}
		for _, link := range i.extLinks {
			extraMd += "- <" + string(link) + ">\n"
		}
	}
	return render(string(i.mdMsg)+extraMd, stylePath)
}

var (
	render = glamour.Render

	cacheInitFailedIssue = &Issue{
		id: CacheInitFailedId,
		mdMsg: `
# Could not prepare the source cache

A repository could not be cloned or refreshed into the local cache.

## Things you can try:
- Check that ` + "`git`" + ` is on your PATH and that the remote helper for the
  URL scheme (for example ` + "`git-remote-gosh`" + `) is installed
- Remove the repository directory under the cache root (see ` + "`--cache-dir`" + `) and retry`,
	}

	refNotFoundIssue = &Issue{
		id: RefNotFoundId,
		mdMsg: `
# Commit or file not found

The requested reference or path does not exist in the cached repository.

## Things you can try:
- Verify the branch, tag or commit exists on the remote
- Check the path is relative to the repository root`,
	}

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Failed to load the build configuration

The build description could not be read or did not pass validation.

## Example Gosh.yaml:
~~~yaml
dockerfile:
  path: Dockerfile
tag: my-image:latest
args:
  VERSION: "1.0"
~~~

## Things you can try:
- Use ` + "`dockerfile: |`" + ` for inline content or ` + "`dockerfile: {path: ...}`" + ` for a file
- Do not set http_proxy, https_proxy or GOSH_HTTP_PROXY in args`,
	}

	proxyStartFailedIssue = &Issue{
		id: ProxyStartFailedId,
		mdMsg: `
# The fetch proxy could not start

## Things you can try:
- Pick another address with ` + "`--socket 127.0.0.1:0`" + `
- Check that no other build is running on the same port`,
	}

	engineNotFoundIssue = &Issue{
		id: EngineNotFoundId,
		mdMsg: `
# No container engine found

A Docker (with buildx) or Podman CLI is required to build images.

## Things you can try:
- Install Docker and enable buildx
- Or install Podman and pass ` + "`--engine podman`",
		extLinks: []HttpLink{
			"https://docs.docker.com/build/buildx/",
			"https://podman.io/docs/installation",
		},
	}

	buildFailedIssue = &Issue{
		id: BuildFailedId,
		mdMsg: `
# The image build failed

The engine exited with a non-zero status. Every external fetch must go
through the build proxy; direct network access is not recorded.

## Things you can try:
- Re-run without ` + "`--quiet`" + ` to see the full build output
- Fetch sources with ` + "`gosh get`" + ` inside the Dockerfile`,
	}

	bomMismatchIssue = &Issue{
		id: BomMismatchId,
		mdMsg: `
# Bill of materials mismatch

This build fetched a different set of resources than the committed document records.

## Things you can try:
- Review the differences above
- If the change is intended, rebuild without ` + "`--validate`" + ` and commit the new document`,
	}

	bomUnreadableIssue = &Issue{
		id: BomUnreadableId,
		mdMsg: `
# Bill of materials could not be read

## Things you can try:
- Build once without ` + "`--validate`" + ` to create the document
- Point ` + "`SBOM_OUT`" + ` at the committed file`,
	}

	issues = map[Id]*Issue{
		cacheInitFailedIssue.Id():  cacheInitFailedIssue,
		refNotFoundIssue.Id():      refNotFoundIssue,
		configLoadFailedIssue.Id(): configLoadFailedIssue,
		proxyStartFailedIssue.Id(): proxyStartFailedIssue,
		engineNotFoundIssue.Id():   engineNotFoundIssue,
		buildFailedIssue.Id():      buildFailedIssue,
		bomMismatchIssue.Id():      bomMismatchIssue,
		bomUnreadableIssue.Id():    bomUnreadableIssue,
	}
)

func Values() []*Issue {
	return slices.Collect(maps.Values(issues))
}

func Get(id Id) *Issue {
	return issues[id]
}

// ForError picks the catalog entry that best explains err, or nil.
func ForError(err error) *Issue {
	switch {
	case err == nil:
		return nil
	case errors.As(err, new(*ValidationError)):
		return bomMismatchIssue
	case errors.Is(err, ErrValidation):
		return bomUnreadableIssue
	case errors.Is(err, ErrEngineNotFound):
		return engineNotFoundIssue
	case errors.Is(err, ErrBuild):
		return buildFailedIssue
	case errors.Is(err, ErrConfig):
		return configLoadFailedIssue
	case errors.Is(err, ErrNetwork):
		return proxyStartFailedIssue
	case errors.Is(err, ErrCache):
		return cacheInitFailedIssue
	default:
		return nil
	}
}
