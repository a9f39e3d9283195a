package service

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"guardbench/internal/model"
)

const (
	ColumnSystemPrompt = "System Prompt"
	ColumnUserPrompt   = "User Prompt"
	ColumnDetected     = "Detected"
	// 早期数据集的敏感词列名
	columnDetectedAlias = "PII"
)

// DatasetSource 按名称读取数据集
type DatasetSource interface {
	Load(ref string) ([]model.DatasetRow, error)
	List() ([]string, error)
}

// DirDatasetSource 从目录里读取 CSV 数据集，ref 为不带扩展名的文件名
type DirDatasetSource struct {
	Dir string
}

func NewDirDatasetSource(dir string) *DirDatasetSource {
	return &DirDatasetSource{Dir: dir}
}

func (s *DirDatasetSource) Load(ref string) ([]model.DatasetRow, error) {
	name := strings.TrimSuffix(strings.TrimSpace(ref), ".csv")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, &ValidationError{Fields: map[string]string{"dataset": "非法的数据集名称"}}
	}

	f, err := os.Open(filepath.Join(s.Dir, name+".csv"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, name)
		}
		return nil, fmt.Errorf("打开数据集失败: %w", err)
	}
	defer f.Close()

	return ParseDataset(f)
}

func (s *DirDatasetSource) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("读取数据集目录失败: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".csv"))
	}
	sort.Strings(names)
	return names, nil
}

// ParseDataset 解析 CSV，缺少必需列时返回 *ValidationError
func ParseDataset(r io.Reader) ([]model.DatasetRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ValidationError{Fields: map[string]string{"dataset": "数据集为空，缺少表头"}}
		}
		return nil, fmt.Errorf("解析数据集表头失败: %w", err)
	}

	cols := map[string]int{}
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if _, dup := cols[h]; !dup {
			cols[h] = i
		}
	}
	if _, ok := cols[ColumnDetected]; !ok {
		if i, alias := cols[columnDetectedAlias]; alias {
			cols[ColumnDetected] = i
		}
	}

	verr := &ValidationError{}
	for _, required := range []string{ColumnSystemPrompt, ColumnUserPrompt, ColumnDetected} {
		if _, ok := cols[required]; !ok {
			verr.add("columns."+required, "缺少必需列")
		}
	}
	if !verr.empty() {
		return nil, verr
	}

	var rows []model.DatasetRow
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("解析数据集第 %d 行失败: %w", len(rows)+2, err)
		}
		if blankRecord(rec) {
			continue
		}
		rows = append(rows, model.DatasetRow{
			Index:          len(rows),
			SystemPrompt:   field(rec, cols[ColumnSystemPrompt]),
			UserPrompt:     field(rec, cols[ColumnUserPrompt]),
			SensitiveTerms: ParseSensitiveTerms(field(rec, cols[ColumnDetected])),
		})
	}
	return rows, nil
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return rec[i]
}

func blankRecord(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
