// Package api 状态投影与时间旅行接口
package api

import (
	"net/http"
	"strconv"
	"time"

	"build-ledger/internal/storage"
)

// GetState 返回当前投影状态
//
// 路由: GET /api/v1/builds/{id}/state
//
// 状态每次从事件日志重新折叠，事件日志才是权威记录。
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	buildID := r.PathValue("id")
	events, err := h.events.GetEvents(r.Context(), buildID, storage.EventFilter{})
	if err != nil {
		writeStorageError(w, err)
		return
	}
	state := h.projector.Project(events)
	if state.BuildID == "" {
		state.BuildID = buildID
	}
	writeJSON(w, http.StatusOK, state)
}

// GetStateAt 时间旅行到指定序号或时刻
//
// 路由: GET /api/v1/builds/{id}/state/at
//
// 查询参数（二选一）:
//   - version: 事件序号（含）
//   - time: RFC3339 时刻（含）
func (h *Handler) GetStateAt(w http.ResponseWriter, r *http.Request) {
	buildID := r.PathValue("id")
	q := r.URL.Query()

	if v := q.Get("version"); v != "" {
		version, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid version")
			return
		}
		state, err := h.machine.TravelToVersion(r.Context(), buildID, version)
		if err != nil {
			writeStorageError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
		return
	}

	if ts := q.Get("time"); ts != "" {
		at, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid time, expected RFC3339")
			return
		}
		state, err := h.machine.TravelToTime(r.Context(), buildID, at)
		if err != nil {
			writeStorageError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
		return
	}

	writeError(w, http.StatusBadRequest, "version or time query parameter is required")
}

// GetStateBefore 返回指定事件生效之前的状态
//
// 路由: GET /api/v1/builds/{id}/state/before/{eventId}
//
// 事件为首条时返回 404（不存在在先状态）。
func (h *Handler) GetStateBefore(w http.ResponseWriter, r *http.Request) {
	state, err := h.machine.GetStateBefore(r.Context(), r.PathValue("id"), r.PathValue("eventId"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// GetDiff 比较两个版本的投影状态
//
// 路由: GET /api/v1/builds/{id}/diff?from=&to=
func (h *Handler) GetDiff(w http.ResponseWriter, r *http.Request) {
	buildID := r.PathValue("id")
	q := r.URL.Query()

	from, err := strconv.ParseInt(q.Get("from"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from version")
		return
	}
	to, err := strconv.ParseInt(q.Get("to"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to version")
		return
	}

	diff, err := h.machine.Diff(r.Context(), buildID, from, to)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

// GetReplayWindow 构造从检查点出发的重放窗口
//
// 路由: GET /api/v1/builds/{id}/replay?checkpoint_version=
func (h *Handler) GetReplayWindow(w http.ResponseWriter, r *http.Request) {
	buildID := r.PathValue("id")
	version, err := strconv.Atoi(r.URL.Query().Get("checkpoint_version"))
	if err != nil || version < 1 {
		writeError(w, http.StatusBadRequest, "invalid checkpoint_version")
		return
	}

	window, err := h.machine.ReplayFrom(r.Context(), buildID, version)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, window)
}
