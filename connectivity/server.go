package connectivity

import (
	"net/http"
	"regexp"
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"

	"github.com/goliatone/go-runcontrol/logging"
)

// Directory is an in-process connectivity service. It keeps connections
// per partition in memory.
type Directory struct {
	mu         sync.RWMutex
	partitions map[string]map[string]Connection
	logger     logging.Logger
}

func NewDirectory(logger logging.Logger) *Directory {
	return &Directory{
		partitions: make(map[string]map[string]Connection),
		logger:     logging.Named(logger, "connectivity-directory"),
	}
}

// Publish stores or replaces connections.
func (d *Directory) Publish(req PublishRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	part, ok := d.partitions[req.Partition]
	if !ok {
		part = make(map[string]Connection)
		d.partitions[req.Partition] = part
	}
	for _, c := range req.Connections {
		part[c.UID] = c
	}
}

// Retract removes connections and reports whether all were known.
func (d *Directory) Retract(req RetractRequest) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	part := d.partitions[req.Partition]
	known := true
	for _, c := range req.Connections {
		if _, ok := part[c.ConnectionID]; !ok {
			known = false
			continue
		}
		delete(part, c.ConnectionID)
	}
	return known
}

// Lookup matches the uid regex, anchored at the start, against one
// partition.
func (d *Directory) Lookup(partition string, req LookupRequest) ([]Lookup, error) {
	re, err := regexp.Compile("^(?:" + req.UIDRegex + ")")
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := []Lookup{}
	for uid, c := range d.partitions[partition] {
		if req.DataType != "" && c.DataType != req.DataType {
			continue
		}
		if re.MatchString(uid) {
			out = append(out, Lookup{UID: uid, URI: c.URI, DataType: c.DataType})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

// Handler serves the directory protocol.
func (d *Directory) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.POST("/publish", func(c *gin.Context) {
		var req PublishRequest
		if !decode(c, &req) {
			return
		}
		d.Publish(req)
		d.logger.Debug("published %d connection(s) in %s", len(req.Connections), req.Partition)
		c.Status(http.StatusOK)
	})
	engine.POST("/retract", func(c *gin.Context) {
		var req RetractRequest
		if !decode(c, &req) {
			return
		}
		if !d.Retract(req) {
			c.Status(http.StatusNotFound)
			return
		}
		c.Status(http.StatusOK)
	})
	engine.POST("/getconnection/:session", func(c *gin.Context) {
		var req LookupRequest
		if !decode(c, &req) {
			return
		}
		found, err := d.Lookup(c.Param("session"), req)
		if err != nil {
			c.String(http.StatusBadRequest, err.Error())
			return
		}
		raw, _ := json.Marshal(found)
		c.Data(http.StatusOK, "application/json", raw)
	})
	return engine
}

func decode(c *gin.Context, out any) bool {
	raw, err := c.GetRawData()
	if err == nil {
		err = json.Unmarshal(raw, out)
	}
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return false
	}
	return true
}
