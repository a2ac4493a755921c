package host

import (
	"fmt"
	"net/http"

	"github.com/gaborcsardi/mirai/pkg/utils"
	"github.com/labstack/echo/v4"
)

// NewHttpHandler mounts the monitoring endpoints on an echo router:
// a JSON daemon matrix per profile and Prometheus-style metrics.
func NewHttpHandler(client *Client, r *echo.Echo) {
	r.GET("/status", func(c echo.Context) error {
		statuses := map[string]*ProfileStatus{}
		for _, name := range client.Profiles() {
			status, err := client.Status(name)
			if err != nil {
				continue
			}
			statuses[name] = status
		}
		return c.JSON(http.StatusOK, statuses)
	})

	r.GET("/status/:profile", func(c echo.Context) error {
		status, err := client.Status(c.Param("profile"))
		if err != nil {
			return c.String(http.StatusNotFound, err.Error())
		}
		return c.JSON(http.StatusOK, status)
	})

	r.GET("/metrics", func(c echo.Context) error {
		var connections, pending, assigned, complete int64

		for _, name := range client.Profiles() {
			status, err := client.Status(name)
			if err != nil {
				continue
			}
			connections += int64(status.Connections)
			pending += int64(status.Pending)
			for _, record := range status.Daemons {
				assigned += record.Assigned
				complete += record.Complete
			}
		}

		metrics := fmt.Sprintln("# TYPE mirai_daemons gauge")
		metrics += fmt.Sprintln("# HELP mirai_daemons The number of connected daemons.")
		metrics += fmt.Sprintf("mirai_daemons %d\n", connections)

		metrics += fmt.Sprintln("# TYPE mirai_tasks_pending gauge")
		metrics += fmt.Sprintln("# HELP mirai_tasks_pending The number of unresolved tasks.")
		metrics += fmt.Sprintf("mirai_tasks_pending %d\n", pending)

		metrics += fmt.Sprintln("# TYPE mirai_tasks_assigned_total counter")
		metrics += fmt.Sprintln("# HELP mirai_tasks_assigned_total The total number of tasks sent to daemons.")
		metrics += fmt.Sprintf("mirai_tasks_assigned_total %d\n", assigned)

		metrics += fmt.Sprintln("# TYPE mirai_tasks_complete_total counter")
		metrics += fmt.Sprintln("# HELP mirai_tasks_complete_total The total number of results received from daemons.")
		metrics += fmt.Sprintf("mirai_tasks_complete_total %d\n", complete)

		c.String(http.StatusOK, metrics)
		return nil
	})
}

// ListenHTTP serves the monitoring endpoints on a tcp:// URL.
func (c *Client) ListenHTTP(uri string) error {
	host, err := utils.ParseHttpUrl(uri)
	if err != nil {
		return err
	}

	r := echo.New()
	r.HideBanner = true
	r.Use(utils.HttpLogger)

	NewHttpHandler(c, r)

	go http.ListenAndServe(host, r)
	return nil
}
