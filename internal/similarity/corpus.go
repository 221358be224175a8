package similarity

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/sells-group/rulesmith/internal/model"
	"github.com/sells-group/rulesmith/internal/sigma"
)

// Corpus is a set of reference rules. It is safe for concurrent use.
type Corpus struct {
	mu   sync.RWMutex
	refs []Reference
}

// NewCorpus returns an empty corpus.
func NewCorpus() *Corpus {
	return &Corpus{}
}

// LoadCorpus reads every .yml/.yaml file under dir. Files that fail to
// parse are skipped with a warning. A missing dir yields an empty corpus.
func LoadCorpus(fs afero.Fs, dir string) (*Corpus, error) {
	c := NewCorpus()
	if dir == "" {
		return c, nil
	}
	if _, err := fs.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			zap.L().Warn("similarity: corpus dir not found, starting empty", zap.String("dir", dir))
			return c, nil
		}
		return nil, eris.Wrapf(err, "similarity: stat corpus dir %s", dir)
	}

	skipped := 0
	err := afero.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yml" && ext != ".yaml" {
			return nil
		}
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return eris.Wrapf(err, "similarity: read %s", path)
		}
		rules, err := sigma.ParseYAMLDocuments(data)
		if err != nil {
			skipped++
			zap.L().Warn("similarity: skipping unparseable reference rule",
				zap.String("path", path), zap.Error(err))
			return nil
		}
		for i, r := range rules {
			name := path
			if len(rules) > 1 {
				name = path + "#" + strconv.Itoa(i)
			}
			c.Add(name, r)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "similarity: walk corpus")
	}

	zap.L().Info("similarity: corpus loaded",
		zap.String("dir", dir),
		zap.Int("rules", c.Len()),
		zap.Int("skipped", skipped),
	)
	return c, nil
}

// Add appends a reference rule.
func (c *Corpus) Add(name string, rule model.GeneratedRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs = append(c.refs, Reference{Name: name, Rule: rule})
}

// Len returns the number of reference rules.
func (c *Corpus) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.refs)
}

// References returns a snapshot of the corpus.
func (c *Corpus) References() []Reference {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Reference, len(c.refs))
	copy(out, c.refs)
	return out
}
