package extractor

import (
	"crypto/md5"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	goeval "github.com/edisonguo/govaluate"
)

const DefaultMaxCrawlErrors = 1000

// ParsePatternExpression compiles a filter over the variables path and
// type, type being "d" for directories and "f" for files. An empty
// pattern accepts everything.
func ParsePatternExpression(pattern string) (*goeval.EvaluableExpression, error) {
	if len(strings.TrimSpace(pattern)) == 0 {
		return nil, nil
	}

	expr, err := goeval.NewEvaluableExpression(pattern)
	if err != nil {
		return nil, err
	}

	validVariables := map[string]struct{}{"path": {}, "type": {}}
	for _, token := range expr.Tokens() {
		if token.Kind == goeval.VARIABLE {
			varName, ok := token.Value.(string)
			if !ok {
				return nil, fmt.Errorf("variable token '%v' failed to cast string", token.Value)
			}
			if _, found := validVariables[varName]; !found {
				return nil, fmt.Errorf("variable %v is not supported. Valid variables are path and type", varName)
			}
		}
	}
	return expr, nil
}

// TileCrawler walks a tile tree concurrently and sends every tile file
// accepted by the pattern on Outputs.
type TileCrawler struct {
	Outputs       chan *TileFile
	Error         chan error
	wg            sync.WaitGroup
	concLimit     chan struct{}
	pattern       *goeval.EvaluableExpression
	followSymlink bool
	root          string
}

func NewTileCrawler(conc int, pattern *goeval.EvaluableExpression, followSymlink bool) *TileCrawler {
	if conc <= 0 {
		conc = 1
	}
	return &TileCrawler{
		Outputs:       make(chan *TileFile, 4096),
		Error:         make(chan error, 100),
		concLimit:     make(chan struct{}, conc),
		pattern:       pattern,
		followSymlink: followSymlink,
	}
}

// Crawl walks root and closes Outputs once done. Errors met on the way
// are collected into the returned error; they do not stop the walk.
func (tc *TileCrawler) Crawl(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		close(tc.Outputs)
		return err
	}
	tc.root = abs

	var errs []string
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for err := range tc.Error {
			if len(errs) < DefaultMaxCrawlErrors {
				errs = append(errs, err.Error())
			} else if len(errs) == DefaultMaxCrawlErrors {
				errs = append(errs, " ... too many errors")
			}
		}
	}()

	tc.wg.Add(1)
	tc.concLimit <- struct{}{}
	tc.crawlDir(abs, false)
	tc.wg.Wait()
	close(tc.Outputs)
	close(tc.Error)
	<-collected

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "\n"))
	}
	return nil
}

func (tc *TileCrawler) crawlDir(currPath string, serialised bool) {
	defer tc.wg.Done()
	if !serialised {
		defer func() { <-tc.concLimit }()
	}
	entries, err := os.ReadDir(currPath)
	if err != nil {
		tc.Error <- err
		return
	}

	for _, entry := range entries {
		filePath := filepath.Join(currPath, entry.Name())
		mode := entry.Type()

		var fStat os.FileInfo
		if mode&os.ModeSymlink != 0 {
			if !tc.followSymlink {
				continue
			}
			if fStat, err = os.Stat(filePath); err != nil {
				tc.Error <- err
				continue
			}
			mode = fStat.Mode().Type()
		}
		isDir := mode.IsDir()
		if !isDir && !mode.IsRegular() {
			continue
		}

		if tc.pattern != nil {
			ok, err := tc.evaluatePatternExpression(filePath, isDir)
			if err != nil {
				tc.Error <- err
				continue
			}
			if !ok {
				continue
			}
		}

		if isDir {
			tc.wg.Add(1)
			select {
			case tc.concLimit <- struct{}{}:
				go tc.crawlDir(filePath, false)
			default:
				tc.crawlDir(filePath, true)
			}
			continue
		}

		tile, ok := tc.tileFile(filePath)
		if !ok {
			continue
		}
		if fStat == nil {
			if fStat, err = os.Lstat(filePath); err != nil {
				tc.Error <- err
				continue
			}
		}
		tile.Size = fStat.Size()
		tile.MTime = fStat.ModTime().UTC()
		signature := fmt.Sprintf("%s%d%d", filePath, tile.Size, tile.MTime.UnixNano())
		tile.ID = fmt.Sprintf("%x", md5.Sum([]byte(signature)))
		tc.Outputs <- tile
	}
}

// tileFile recognises <root>/<row>/<col>.<ext>.
func (tc *TileCrawler) tileFile(filePath string) (*TileFile, bool) {
	rel, err := filepath.Rel(tc.root, filePath)
	if err != nil {
		return nil, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 {
		return nil, false
	}
	ext := filepath.Ext(parts[1])
	if len(ext) < 2 {
		return nil, false
	}
	row, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, false
	}
	col, err := strconv.Atoi(strings.TrimSuffix(parts[1], ext))
	if err != nil {
		return nil, false
	}
	return &TileFile{FilePath: filePath, Col: col, Row: row, Ext: ext[1:]}, true
}

func (tc *TileCrawler) evaluatePatternExpression(filePath string, isDir bool) (bool, error) {
	fileType := "f"
	if isDir {
		fileType = "d"
	}

	parameters := map[string]interface{}{"type": fileType, "path": filePath}
	result, err := tc.pattern.Evaluate(parameters)
	if err != nil {
		return false, fmt.Errorf("pattern expression: %v", err)
	}

	val, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("pattern expression: result '%v' is not boolean", result)
	}
	return val, nil
}
