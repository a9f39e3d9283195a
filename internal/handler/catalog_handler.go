package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"guardbench/internal/service"
)

// CatalogHandler 前端下拉框用到的可选项
type CatalogHandler struct {
	datasets   service.DatasetSource
	guardrails *service.GuardrailRegistry
	models     []string
}

func NewCatalogHandler(datasets service.DatasetSource, guardrails *service.GuardrailRegistry, models []string) *CatalogHandler {
	return &CatalogHandler{datasets: datasets, guardrails: guardrails, models: models}
}

// ListDatasets 数据集目录下的 CSV 文件
func (h *CatalogHandler) ListDatasets(c *gin.Context) {
	names, err := h.datasets.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"datasets": names})
}

func (h *CatalogHandler) ListGuardrails(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"guardrails": h.guardrails.Names()})
}

func (h *CatalogHandler) ListVariants(c *gin.Context) {
	names := make([]string, 0, len(service.AllVariants))
	for _, v := range service.AllVariants {
		names = append(names, string(v))
	}
	c.JSON(http.StatusOK, gin.H{"variants": names})
}

func (h *CatalogHandler) ListModels(c *gin.Context) {
	models := h.models
	if models == nil {
		models = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}
